package filter

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// TypeComposition marks a Spec node as a composite
const TypeComposition = "composition"

// Spec is the declarative (TOML/YAML) form of a filter tree.
//
//	[filter]
//	type = "composition"
//	op = "SUBTRACT"
//	[[filter.filters]]
//	type = "package"
//	regex = "com\\.example\\..*"
type Spec struct {
	Type    string   `toml:"type" yaml:"type"`
	Regex   string   `toml:"regex,omitempty" yaml:"regex,omitempty"`
	Values  []string `toml:"values,omitempty" yaml:"values,omitempty"`
	Op      string   `toml:"op,omitempty" yaml:"op,omitempty"`
	Filters []Spec   `toml:"filters,omitempty" yaml:"filters,omitempty"`
}

// IsZero reports whether no filter was configured
func (s Spec) IsZero() bool {
	return s.Type == "" && s.Regex == "" && len(s.Values) == 0 && s.Op == "" && len(s.Filters) == 0
}

// Expression converts the declarative form into an expression tree
func (s Spec) Expression() (Expression, error) {
	return s.expression("filter")
}

func (s Spec) expression(path string) (Expression, error) {
	if s.Type == TypeComposition {
		c := Composite{Op: Operation(strings.ToUpper(s.Op))}
		for i, child := range s.Filters {
			e, err := child.expression(fmt.Sprintf("%s.filters[%d]", path, i))
			if err != nil {
				return nil, err
			}
			c.Children = append(c.Children, e)
		}
		return c, nil
	}
	if s.Type == "" {
		return nil, &domain.ConfigError{Field: path, Message: "missing filter type"}
	}
	if len(s.Filters) > 0 || s.Op != "" {
		return nil, &domain.ConfigError{Field: path, Message: fmt.Sprintf("filter type %q cannot have op or children", s.Type)}
	}
	return Leaf{Field: Field(s.Type), Regex: s.Regex, Values: s.Values}, nil
}

// CompileSpec converts and compiles a declarative filter. An empty Spec
// selects every test.
func CompileSpec(s Spec) (*Filter, error) {
	if s.IsZero() {
		return MatchAll(), nil
	}
	expr, err := s.Expression()
	if err != nil {
		return nil, err
	}
	return Compile(expr)
}
