package tokenizer

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

type vocabJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		UnkToken     string         `json:"unk_token"`
		ByteFallback bool           `json:"byte_fallback"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type spaceStyle int

const (
	// styleByteLevel maps every byte to a printable rune (GPT-2 "Ġ").
	styleByteLevel spaceStyle = iota
	// styleMetaspace writes spaces as "▁" with <0xXX> byte fallback.
	styleMetaspace
)

const metaspace = "▁"

var stopStrings = []string{"</s>", "<|endoftext|>", "<|end_of_text|>", "<|eot_id|>", "<|im_end|>", "<end_of_turn>", "<eos>"}

// Vocab encodes by greedy longest match over a tokenizer.json vocabulary.
// It does not apply BPE merges, so ids can differ from the reference
// tokenizer for the same text, but decode(encode(s)) == s whenever every
// byte of s is reachable.
type Vocab struct {
	encoder     map[string]int
	decoder     []string
	special     map[int]bool
	style       spaceStyle
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	maxPiece    int
	unkID       int
	stops       []int
}

func ParseVocab(data []byte) (*Vocab, error) {
	var vj vocabJSON
	if err := json.Unmarshal(data, &vj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", File, err)
	}
	if len(vj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%s: empty vocabulary", File)
	}

	v := &Vocab{
		encoder: make(map[string]int, len(vj.Model.Vocab)),
		special: make(map[int]bool),
		unkID:   -1,
	}
	maxID := -1
	for piece, id := range vj.Model.Vocab {
		v.encoder[piece] = id
		maxID = max(maxID, id)
		v.maxPiece = max(v.maxPiece, utf8.RuneCountInString(piece))
	}
	for _, at := range vj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	v.decoder = make([]string, maxID+1)
	for piece, id := range vj.Model.Vocab {
		if id >= 0 {
			v.decoder[id] = piece
		}
	}
	for _, at := range vj.AddedTokens {
		if at.ID < 0 {
			continue
		}
		v.decoder[at.ID] = at.Content
		if at.Special {
			v.special[at.ID] = true
		}
	}
	if id, ok := v.encoder[vj.Model.UnkToken]; ok && vj.Model.UnkToken != "" {
		v.unkID = id
	}

	v.style = styleByteLevel
	if vj.Model.ByteFallback || hasPiecePrefix(v.encoder, metaspace) {
		v.style = styleMetaspace
	}
	v.byteEncoder, v.byteDecoder = bytesToUnicode()

	for _, s := range stopStrings {
		for _, at := range vj.AddedTokens {
			if at.Content == s {
				v.stops = append(v.stops, at.ID)
			}
		}
		if id, ok := v.encoder[s]; ok && !slices.Contains(v.stops, id) {
			v.stops = append(v.stops, id)
		}
	}
	return v, nil
}

func hasPiecePrefix(enc map[string]int, prefix string) bool {
	for piece := range enc {
		if strings.HasPrefix(piece, prefix) {
			return true
		}
	}
	return false
}

func (v *Vocab) VocabSize() int { return len(v.decoder) }

func (v *Vocab) StopTokens() []int { return slices.Clone(v.stops) }

// normalize rewrites text into the vocabulary's piece alphabet.
func (v *Vocab) normalize(text string) []string {
	var out []string
	if v.style == styleMetaspace {
		for _, r := range strings.ReplaceAll(text, " ", metaspace) {
			out = append(out, string(r))
		}
		return out
	}
	for i := 0; i < len(text); i++ {
		out = append(out, v.byteEncoder[text[i]])
	}
	return out
}

func (v *Vocab) Encode(text string) ([]int, error) {
	units := v.normalize(text)
	ids := make([]int, 0, len(units))
	unknown := 0
	for i := 0; i < len(units); {
		n := min(v.maxPiece, len(units)-i)
		matched := false
		for ; n > 0; n-- {
			if id, ok := v.encoder[strings.Join(units[i:i+n], "")]; ok {
				ids = append(ids, id)
				i += n
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if fb, ok := v.byteFallback(units[i]); ok {
			ids = append(ids, fb...)
			i++
			continue
		}
		if v.unkID < 0 {
			return nil, fmt.Errorf("cannot encode %q: no piece, byte fallback or unk token", units[i])
		}
		ids = append(ids, v.unkID)
		unknown++
		i++
	}
	metrics.RecordTokenizerEncode(len(ids), unknown)
	return ids, nil
}

func (v *Vocab) byteFallback(unit string) ([]int, bool) {
	if v.style != styleMetaspace {
		return nil, false
	}
	var ids []int
	for _, b := range []byte(unit) {
		id, ok := v.encoder[fmt.Sprintf("<0x%02X>", b)]
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func (v *Vocab) Decode(ids []int) (string, error) {
	var sb strings.Builder
	var pending []byte
	flush := func() {
		sb.Write(pending)
		pending = pending[:0]
	}
	for _, id := range ids {
		if id < 0 || id >= len(v.decoder) {
			return "", fmt.Errorf("token id %d outside vocabulary of %d", id, len(v.decoder))
		}
		if v.special[id] {
			continue
		}
		piece := v.decoder[id]
		if v.style == styleMetaspace {
			if b, ok := parseByteToken(piece); ok {
				pending = append(pending, b)
				continue
			}
			flush()
			sb.WriteString(strings.ReplaceAll(piece, metaspace, " "))
			continue
		}
		for _, r := range piece {
			if b, ok := v.byteDecoder[string(r)]; ok {
				pending = append(pending, b)
			}
		}
	}
	flush()
	return sb.String(), nil
}

// parseByteToken decodes "<0x0A>" style pieces.
func parseByteToken(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	b, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(b), true
}

// bytesToUnicode maps bytes to printable runes so byte-level pieces are
// reversible.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}
	cs := slices.Clone(bs)
	n := 0
	for b := 0; b < 256; b++ {
		if !slices.Contains(bs, b) {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}
	enc := make(map[byte]string, len(bs))
	dec := make(map[string]byte, len(bs))
	for i, b := range bs {
		s := string(rune(cs[i]))
		enc[byte(b)] = s
		dec[s] = byte(b)
	}
	return enc, dec
}
