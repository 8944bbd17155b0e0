// Package pathrule matches project-relative paths against directory, file,
// extension and glob rules.
package pathrule

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Kind selects how a Rule's value is compared with a path.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindFile      Kind = "file"
	KindExtension Kind = "extension"
	KindGlob      Kind = "glob"
)

// Rule is a single path rule. Values are stored normalized.
type Rule struct {
	Kind  Kind   `yaml:"kind" json:"kind"`
	Value string `yaml:"value" json:"value"`
}

// Directory, File, Extension and Glob build normalized rules.
func Directory(value string) Rule { return Rule{Kind: KindDirectory, Value: Normalize(value)} }
func File(value string) Rule      { return Rule{Kind: KindFile, Value: Normalize(value)} }
func Glob(value string) Rule      { return Rule{Kind: KindGlob, Value: Normalize(value)} }
func Extension(value string) Rule { return Rule{Kind: KindExtension, Value: normalizeExtension(value)} }

// Parse reads the compact "kind:value" form, e.g. "directory:.git".
func Parse(s string) (Rule, error) {
	kind, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Rule{}, fmt.Errorf("path rule %q: expected kind:value", s)
	}
	r := Rule{Kind: Kind(strings.ToLower(strings.TrimSpace(kind))), Value: strings.TrimSpace(value)}
	r = r.Normalized()
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Normalized returns a copy with its value in canonical form.
func (r Rule) Normalized() Rule {
	if r.Kind == KindExtension {
		r.Value = normalizeExtension(r.Value)
		return r
	}
	r.Value = Normalize(r.Value)
	return r
}

// Validate reports configuration mistakes. Matching never fails at runtime.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindDirectory:
		return nil
	case KindFile, KindExtension:
		if r.Value == "" {
			return fmt.Errorf("%s rule has empty value", r.Kind)
		}
		return nil
	case KindGlob:
		if r.Value == "" || !doublestar.ValidatePattern(r.Value) {
			return fmt.Errorf("glob rule has invalid pattern %q", r.Value)
		}
		return nil
	default:
		return fmt.Errorf("unknown path rule kind %q", r.Kind)
	}
}

func (r Rule) String() string {
	return string(r.Kind) + ":" + r.Value
}

// UnmarshalYAML accepts either {kind, value} or the compact scalar form.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}
	var raw struct {
		Kind  Kind   `yaml:"kind"`
		Value string `yaml:"value"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*r = Rule{Kind: raw.Kind, Value: raw.Value}.Normalized()
	return r.Validate()
}

// Normalize converts p to forward-slash, relative, dot-free form. The project
// root itself normalizes to "".
func Normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimLeft(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func normalizeExtension(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, ".") {
		v = "." + v
	}
	return v
}

// Matches reports whether rel satisfies rule.
func Matches(rel string, rule Rule) bool {
	rel = Normalize(rel)
	switch rule.Kind {
	case KindDirectory:
		if rule.Value == "" {
			return true
		}
		return rel == rule.Value || strings.HasPrefix(rel, rule.Value+"/")
	case KindFile:
		return rel == rule.Value
	case KindExtension:
		return rule.Value != "" && strings.HasSuffix(rel, rule.Value)
	case KindGlob:
		ok, err := doublestar.Match(rule.Value, rel)
		return err == nil && ok
	default:
		return false
	}
}

// MatchesAny reports whether any rule matches rel.
func MatchesAny(rel string, rules []Rule) bool {
	_, ok := FirstMatch(rel, rules)
	return ok
}

// FirstMatch returns the first rule matching rel.
func FirstMatch(rel string, rules []Rule) (Rule, bool) {
	for _, rule := range rules {
		if Matches(rel, rule) {
			return rule, true
		}
	}
	return Rule{}, false
}
