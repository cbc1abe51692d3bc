// Package naming maps the artifacts of a model directory to pipeline roles.
//
// An artifact is named {prefix}{role suffix}{middle}{extension}, optionally
// with a _chunk_KKofNN marker for FFN stages split across files. Prefixes are
// tried in configured order; within a prefix candidates are visited in
// lexical order so the result never depends on directory listing order.
package naming

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/model"
)

// Scheme selects the suffix table used to recognise roles.
type Scheme int

const (
	// SchemeVendor uses the converter's default suffixes.
	SchemeVendor Scheme = iota
	// SchemeCustom uses Config.Suffixes only.
	SchemeCustom
)

func (s Scheme) String() string {
	if s == SchemeCustom {
		return "custom"
	}
	return "vendor"
}

func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(s) {
	case "", "vendor", "default":
		return SchemeVendor, nil
	case "custom":
		return SchemeCustom, nil
	}
	return 0, fmt.Errorf("unknown naming scheme %q", s)
}

// Suffix binds a role token in the artifact name to the roles that artifact
// serves. A suffix serving both FFN roles marks a unified artifact.
type Suffix struct {
	Token string
	Roles []model.Role
}

// VendorSuffixes is the default converter naming.
func VendorSuffixes() []Suffix {
	return []Suffix{
		{Token: "embeddings", Roles: []model.Role{model.RoleEmbeddings}},
		{Token: "FFN_PF", Roles: []model.Role{model.RoleFFNPrefill, model.RoleFFNInfer}},
		{Token: "prefill", Roles: []model.Role{model.RoleFFNPrefill}},
		{Token: "FFN", Roles: []model.Role{model.RoleFFNInfer}},
		{Token: "lm_head", Roles: []model.Role{model.RoleLMHead}},
	}
}

// DefaultExtensions prefers compiled artifacts over source packages.
var DefaultExtensions = []string{".mlmodelc", ".mlpackage"}

// DefaultPrefixes covers the converter's architecture prefixes. The empty
// prefix last lets bare role names match.
var DefaultPrefixes = []string{"llama_", "qwen_", "qwen25_", "gemma3_", ""}

type Config struct {
	Scheme     Scheme
	Prefixes   []string
	Suffixes   []Suffix
	Extensions []string
}

func DefaultConfig() Config {
	return Config{
		Scheme:     SchemeVendor,
		Prefixes:   slices.Clone(DefaultPrefixes),
		Extensions: slices.Clone(DefaultExtensions),
	}
}

// table returns the suffixes for the scheme in priority order.
func (c Config) table() []Suffix {
	if c.Scheme == SchemeCustom {
		return slices.Clone(c.Suffixes)
	}
	return VendorSuffixes()
}

func (c Config) Validate() error {
	if len(c.Prefixes) == 0 {
		return errors.New("naming: at least one prefix (possibly empty) is required")
	}
	if c.Scheme == SchemeCustom {
		if len(c.Suffixes) == 0 {
			return errors.New("naming: custom scheme requires suffixes")
		}
		for _, s := range c.Suffixes {
			if s.Token == "" || len(s.Roles) == 0 {
				return fmt.Errorf("naming: suffix %q must name a token and at least one role", s.Token)
			}
		}
	}
	for _, e := range c.Extensions {
		if !strings.HasPrefix(e, ".") {
			return fmt.Errorf("naming: extension %q must start with '.'", e)
		}
	}
	return nil
}

// ComponentNotFoundError reports a required role with no matching artifact.
type ComponentNotFoundError struct {
	Role     model.Role
	Dir      string
	Prefixes []string
}

func (e *ComponentNotFoundError) Error() string {
	return fmt.Sprintf("no %s artifact found in %s (prefixes %q)", e.Role, e.Dir, e.Prefixes)
}

// Artifact is one resolved file serving a role. Function is set when the
// artifact serves several roles and must be told which one to run.
type Artifact struct {
	Role     model.Role
	Path     string
	Prefix   string
	Function string
	Chunk    int
	Chunks   int
}

// Resolution is the role assignment for one directory.
type Resolution struct {
	Dir       string
	Artifacts map[model.Role][]Artifact
}

// Paths lists the distinct artifact paths in role order.
func (r Resolution) Paths() []string {
	var out []string
	for _, role := range model.Roles {
		for _, a := range r.Artifacts[role] {
			if !slices.Contains(out, a.Path) {
				out = append(out, a.Path)
			}
		}
	}
	return out
}

var chunkPattern = regexp.MustCompile(`_chunk_(\d+)of(\d+)`)

type candidate struct {
	name   string
	stem   string
	extIdx int
}

type match struct {
	candidate
	suffix Suffix
	group  string
	chunk  int
	chunks int
}

// ResolveDir lists dir and resolves it.
func ResolveDir(dir string, cfg Config) (Resolution, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Resolution{}, fmt.Errorf("list model directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return Resolve(dir, names, cfg)
}

// Resolve assigns roles from a directory listing. Embeddings, at least one
// FFN role and the LM head are required.
func Resolve(dir string, listing []string, cfg Config) (Resolution, error) {
	if err := cfg.Validate(); err != nil {
		return Resolution{}, err
	}
	cands := candidates(listing, cfg.Extensions)
	table := cfg.table()

	res := Resolution{Dir: dir, Artifacts: make(map[model.Role][]Artifact)}
	for _, prefix := range cfg.Prefixes {
		found, err := matchPrefix(cands, prefix, table)
		if err != nil {
			return Resolution{}, err
		}
		for _, role := range model.Roles {
			arts, ok := found[role]
			if !ok {
				continue
			}
			if prev, taken := res.Artifacts[role]; taken {
				logger.Log.Warn("ambiguous artifact naming, keeping first prefix",
					"role", role.String(), "kept", filepath.Base(prev[0].Path), "ignored", arts[0].Path)
				continue
			}
			for i := range arts {
				arts[i].Path = filepath.Join(dir, arts[i].Path)
			}
			res.Artifacts[role] = arts
		}
	}

	for _, role := range []model.Role{model.RoleEmbeddings, model.RoleFFNInfer, model.RoleLMHead} {
		if role == model.RoleFFNInfer && (len(res.Artifacts[model.RoleFFNInfer]) > 0 || len(res.Artifacts[model.RoleFFNPrefill]) > 0) {
			continue
		}
		if len(res.Artifacts[role]) == 0 {
			return Resolution{}, &ComponentNotFoundError{Role: role, Dir: dir, Prefixes: cfg.Prefixes}
		}
	}
	return res, nil
}

// candidates keeps the listing entries with an accepted extension. An empty
// extension list accepts any extension.
func candidates(listing []string, exts []string) []candidate {
	var out []candidate
	for _, name := range listing {
		ext := filepath.Ext(name)
		idx := 0
		if len(exts) > 0 {
			idx = slices.Index(exts, ext)
			if idx < 0 {
				continue
			}
		}
		out = append(out, candidate{name: name, stem: strings.TrimSuffix(name, ext), extIdx: idx})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// matchToken reports whether rest begins with token at a word boundary.
func matchToken(rest, token string) bool {
	if !strings.HasPrefix(rest, token) {
		return false
	}
	if len(rest) == len(token) {
		return true
	}
	switch rest[len(token)] {
	case '_', '-', '.':
		return true
	}
	return false
}

func matchPrefix(cands []candidate, prefix string, table []Suffix) (map[model.Role][]Artifact, error) {
	// Longest token first so "FFN_PF" claims a file before "FFN" does.
	longest := slices.Clone(table)
	sort.SliceStable(longest, func(i, j int) bool { return len(longest[i].Token) > len(longest[j].Token) })

	byToken := make(map[string][]match)
	for _, c := range cands {
		if !strings.HasPrefix(c.stem, prefix) {
			continue
		}
		rest := c.stem[len(prefix):]
		for _, s := range longest {
			if !matchToken(rest, s.Token) {
				continue
			}
			m := match{candidate: c, suffix: s, group: c.stem}
			if sm := chunkPattern.FindStringSubmatchIndex(c.stem); sm != nil {
				m.chunk, _ = strconv.Atoi(c.stem[sm[2]:sm[3]])
				m.chunks, _ = strconv.Atoi(c.stem[sm[4]:sm[5]])
				m.group = c.stem[:sm[0]] + c.stem[sm[1]:]
			}
			byToken[s.Token] = append(byToken[s.Token], m)
			break
		}
	}

	out := make(map[model.Role][]Artifact)
	for _, s := range table {
		ms := byToken[s.Token]
		if len(ms) == 0 {
			continue
		}
		arts, err := pickGroup(ms, prefix)
		if err != nil {
			return nil, err
		}
		for _, role := range s.Roles {
			if _, taken := out[role]; taken {
				continue
			}
			roleArts := make([]Artifact, len(arts))
			for i, a := range arts {
				a.Role = role
				if len(s.Roles) > 1 {
					a.Function = functionFor(role)
				}
				roleArts[i] = a
			}
			out[role] = roleArts
		}
	}
	return out, nil
}

// pickGroup keeps the lexically first group, picks the preferred extension
// per chunk and checks the chunk sequence is complete.
func pickGroup(ms []match, prefix string) ([]Artifact, error) {
	group := ms[0].group
	for _, m := range ms[1:] {
		if m.group < group {
			group = m.group
		}
	}
	best := make(map[int]match)
	for _, m := range ms {
		if m.group != group {
			logger.Log.Debug("skipping artifact variant", "kept", group, "skipped", m.name)
			continue
		}
		if cur, ok := best[m.chunk]; !ok || m.extIdx < cur.extIdx {
			best[m.chunk] = m
		}
	}

	chunks := make([]int, 0, len(best))
	for k := range best {
		chunks = append(chunks, k)
	}
	sort.Ints(chunks)

	arts := make([]Artifact, 0, len(chunks))
	for i, k := range chunks {
		m := best[k]
		if m.chunks > 0 {
			if m.chunk != i+1 || m.chunks != best[chunks[0]].chunks {
				return nil, fmt.Errorf("artifact %s: chunk %dof%d out of sequence", m.name, m.chunk, m.chunks)
			}
		}
		arts = append(arts, Artifact{Path: m.name, Prefix: prefix, Chunk: m.chunk, Chunks: m.chunks})
	}
	if n := arts[0].Chunks; n > 0 && len(arts) != n {
		return nil, fmt.Errorf("artifact group %s: found %d of %d chunks", group, len(arts), n)
	}
	return arts, nil
}

func functionFor(role model.Role) string {
	if role == model.RoleFFNPrefill {
		return model.FunctionPrefill
	}
	return model.FunctionInfer
}
