// Package tokenizer converts text to token ids and back. The pipeline treats
// it as a black box; two implementations cover the layouts a model
// directory ships with.
package tokenizer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	VocabSize() int
	// StopTokens lists end-of-sequence ids known to the vocabulary.
	StopTokens() []int
}

// File is the HF tokenizer file looked up in a model directory.
const File = "tokenizer.json"

// Load opens dir/tokenizer.json, falling back to a byte-level tokenizer
// when the directory has none.
func Load(dir string) (Tokenizer, error) {
	path := filepath.Join(dir, File)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewByteLevel(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", File, err)
	}
	return ParseVocab(data)
}

// RoundTrip reports whether text survives encode then decode. It is the
// guard used for plain prompts before generation.
func RoundTrip(t Tokenizer, text string) error {
	ids, err := t.Encode(text)
	if err != nil {
		return err
	}
	back, err := t.Decode(ids)
	if err != nil {
		return err
	}
	if back != text {
		return fmt.Errorf("tokenizer round trip changed text: %q -> %q", text, back)
	}
	return nil
}

// IsPlainASCII reports whether text is printable ASCII plus whitespace.
func IsPlainASCII(text string) bool {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c >= 0x80 || (c < 0x20 && !strings.ContainsRune("\t\n\r", rune(c))) {
			return false
		}
	}
	return true
}

// ByteLevel maps each byte to id byte+Offset. Ids below Offset are reserved
// for special tokens and decode to nothing.
type ByteLevel struct {
	Offset int
}

func NewByteLevel(offset int) *ByteLevel {
	return &ByteLevel{Offset: offset}
}

func (b *ByteLevel) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i]) + b.Offset
	}
	return ids, nil
}

func (b *ByteLevel) Decode(ids []int) (string, error) {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		v := id - b.Offset
		if id < b.Offset {
			continue
		}
		if v > 255 {
			return "", fmt.Errorf("token id %d outside byte vocabulary", id)
		}
		buf = append(buf, byte(v))
	}
	return string(buf), nil
}

func (b *ByteLevel) VocabSize() int { return 256 + b.Offset }

func (b *ByteLevel) StopTokens() []int { return nil }
