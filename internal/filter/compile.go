package filter

import (
	"fmt"
	"regexp"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Filter is a compiled, side-effect-free predicate over tests
type Filter struct {
	root *node
}

// node is the compiled form of an Expression. op is empty for leaves.
type node struct {
	op       Operation
	all      bool
	field    Field
	re       *regexp.Regexp
	values   map[string]struct{}
	children []*node
	rest     *node // SUBTRACT: UNION of children[1:]
}

// Compile validates an expression tree and returns its Filter. Invalid regular
// expressions and malformed nodes fail here, never during filtering.
func Compile(expr Expression) (*Filter, error) {
	root, err := compile(expr, "filter")
	if err != nil {
		return nil, err
	}
	return &Filter{root: root}, nil
}

// MatchAll returns a Filter that selects every test
func MatchAll() *Filter {
	return &Filter{root: &node{all: true}}
}

func compile(expr Expression, path string) (*node, error) {
	switch e := expr.(type) {
	case Leaf:
		return compileLeaf(e, path)
	case *Leaf:
		if e == nil {
			return nil, &domain.ConfigError{Field: path, Message: "nil filter"}
		}
		return compileLeaf(*e, path)
	case Composite:
		return compileComposite(e, path)
	case *Composite:
		if e == nil {
			return nil, &domain.ConfigError{Field: path, Message: "nil filter"}
		}
		return compileComposite(*e, path)
	case nil:
		return nil, &domain.ConfigError{Field: path, Message: "nil filter"}
	default:
		return nil, &domain.ConfigError{Field: path, Message: fmt.Sprintf("unsupported filter node %T", expr)}
	}
}

func compileLeaf(l Leaf, path string) (*node, error) {
	switch l.Field {
	case FieldSimpleClassname, FieldFullyQualifiedClassname, FieldPackage,
		FieldMethod, FieldTestName, FieldAnnotation:
	default:
		return nil, &domain.ConfigError{Field: path, Message: fmt.Sprintf("unknown filter type %q", l.Field)}
	}

	hasRegex := l.Regex != ""
	hasValues := len(l.Values) > 0
	if hasRegex == hasValues {
		return nil, &domain.ConfigError{Field: path, Message: "exactly one of regex and values must be set"}
	}

	n := &node{field: l.Field}
	if hasRegex {
		re, err := regexp.Compile("^(?:" + l.Regex + ")$")
		if err != nil {
			return nil, &domain.ConfigError{Field: path, Message: fmt.Sprintf("invalid regex %q", l.Regex), Err: err}
		}
		n.re = re
		return n, nil
	}

	n.values = make(map[string]struct{}, len(l.Values))
	for _, v := range l.Values {
		n.values[v] = struct{}{}
	}
	return n, nil
}

func compileComposite(c Composite, path string) (*node, error) {
	switch c.Op {
	case Union, Intersection, Subtract:
	default:
		return nil, &domain.ConfigError{Field: path, Message: fmt.Sprintf("unknown composition operation %q", c.Op)}
	}

	n := &node{op: c.Op}
	for i, child := range c.Children {
		cn, err := compile(child, fmt.Sprintf("%s.filters[%d]", path, i))
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
	}
	if c.Op == Subtract && len(n.children) > 1 {
		n.rest = &node{op: Union, children: n.children[1:]}
	}
	return n, nil
}

// Matches reports whether a single test is selected
func (f *Filter) Matches(t domain.Test) bool {
	return len(f.root.apply([]domain.Test{t}, []int{0})) > 0
}

// Filter returns the selected tests. Leaves, intersections and subtractions
// keep input order; a union lists each child's selection in child order
// without duplicates.
func (f *Filter) Filter(tests []domain.Test) []domain.Test {
	selected := f.root.apply(tests, indices(len(tests)))
	out := make([]domain.Test, 0, len(selected))
	for _, i := range selected {
		out = append(out, tests[i])
	}
	return out
}

// FilterNot returns the input minus Filter(tests), in input order
func (f *Filter) FilterNot(tests []domain.Test) []domain.Test {
	_, excluded := f.Split(tests)
	return excluded
}

// Split returns Filter(tests) and FilterNot(tests) from a single evaluation
func (f *Filter) Split(tests []domain.Test) (selected, excluded []domain.Test) {
	picked := f.root.apply(tests, indices(len(tests)))
	mask := make([]bool, len(tests))
	selected = make([]domain.Test, 0, len(picked))
	for _, i := range picked {
		mask[i] = true
		selected = append(selected, tests[i])
	}
	excluded = make([]domain.Test, 0, len(tests)-len(picked))
	for i, t := range tests {
		if !mask[i] {
			excluded = append(excluded, t)
		}
	}
	return selected, excluded
}

func (n *node) apply(tests []domain.Test, idx []int) []int {
	if n.all {
		return idx
	}

	switch n.op {
	case Union:
		seen := make(map[int]struct{}, len(idx))
		var out []int
		for _, child := range n.children {
			for _, i := range child.apply(tests, idx) {
				if _, ok := seen[i]; ok {
					continue
				}
				seen[i] = struct{}{}
				out = append(out, i)
			}
		}
		return out

	case Intersection:
		if len(n.children) == 0 {
			return nil
		}
		out := idx
		for _, child := range n.children {
			out = child.apply(tests, out)
			if len(out) == 0 {
				return nil
			}
		}
		return out

	case Subtract:
		if len(n.children) == 0 {
			return nil
		}
		if n.rest == nil {
			return idx
		}
		// removed = base ∩ UNION(rest), evaluated on the base selection only
		base := n.children[0].apply(tests, idx)
		removed := make(map[int]struct{})
		for _, i := range n.rest.apply(tests, base) {
			removed[i] = struct{}{}
		}
		var out []int
		for _, i := range idx {
			if _, ok := removed[i]; !ok {
				out = append(out, i)
			}
		}
		return out
	}

	var out []int
	for _, i := range idx {
		if n.matchLeaf(tests[i]) {
			out = append(out, i)
		}
	}
	return out
}

func (n *node) matchLeaf(t domain.Test) bool {
	if n.field == FieldAnnotation {
		for _, p := range t.MetaProperties {
			if n.matchValue(p.Name) {
				return true
			}
		}
		return false
	}
	return n.matchValue(fieldValue(n.field, t))
}

func (n *node) matchValue(v string) bool {
	if n.re != nil {
		return n.re.MatchString(v)
	}
	_, ok := n.values[v]
	return ok
}

func fieldValue(f Field, t domain.Test) string {
	switch f {
	case FieldSimpleClassname:
		return t.Class
	case FieldFullyQualifiedClassname:
		return t.ClassName()
	case FieldPackage:
		return t.Package
	case FieldMethod:
		return t.Method
	case FieldTestName:
		return t.ID()
	}
	return ""
}

func indices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
