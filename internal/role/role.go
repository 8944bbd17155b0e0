// Package role defines the ordered trust levels shared by the command gate
// and the capability resolver.
package role

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is an ordered trust level. The zero value means "not declared".
type Role int

const (
	Unset Role = iota
	Read
	Write
	Admin
)

// Parse converts a role name. "edit" is accepted as an alias of write.
func Parse(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Unset, nil
	case "read":
		return Read, nil
	case "write", "edit":
		return Write, nil
	case "admin":
		return Admin, nil
	default:
		return Unset, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) String() string {
	switch r {
	case Read:
		return "read"
	case Write:
		return "write"
	case Admin:
		return "admin"
	default:
		return ""
	}
}

// Satisfies reports whether r is at least required.
func (r Role) Satisfies(required Role) bool {
	return r >= required
}

// Max returns the stricter of a and b.
func Max(a, b Role) Role {
	if a > b {
		return a
	}
	return b
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Role) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return r.UnmarshalText([]byte(s))
}

// Principal is the caller an operation is evaluated for.
type Principal struct {
	Name string `yaml:"name" json:"name"`
	Role Role   `yaml:"role" json:"role"`
}
