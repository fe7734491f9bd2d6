// Package filter compiles declarative filter expressions into pure predicates
// over tests. Expressions form a closed set: leaves match one structural field
// of a test, composites combine children with UNION, INTERSECTION or SUBTRACT.
package filter

// Field is the structural test field a leaf filter matches against
type Field string

const (
	FieldSimpleClassname         Field = "simple-classname"
	FieldFullyQualifiedClassname Field = "fully-qualified-classname"
	FieldPackage                 Field = "package"
	FieldMethod                  Field = "method"
	FieldTestName                Field = "test-name"
	FieldAnnotation              Field = "annotation"
)

// Operation combines the children of a composite filter
type Operation string

const (
	Union        Operation = "UNION"
	Intersection Operation = "INTERSECTION"
	Subtract     Operation = "SUBTRACT"
)

// Expression is an immutable filter tree node. The interface is sealed:
// only Leaf and Composite implement it.
type Expression interface {
	expression()
}

// Leaf matches one field of a test against a regex (full-string match) or a
// list of exact values. Exactly one of Regex and Values must be set.
type Leaf struct {
	Field  Field
	Regex  string
	Values []string
}

// Composite combines child expressions
type Composite struct {
	Op       Operation
	Children []Expression
}

func (Leaf) expression()      {}
func (Composite) expression() {}

// Match builds a leaf filter using a regex
func Match(field Field, regex string) Leaf {
	return Leaf{Field: field, Regex: regex}
}

// OneOf builds a leaf filter matching exact values
func OneOf(field Field, values ...string) Leaf {
	return Leaf{Field: field, Values: values}
}

// AnyOf is the UNION of the children
func AnyOf(children ...Expression) Composite {
	return Composite{Op: Union, Children: children}
}

// AllOf is the INTERSECTION of the children
func AllOf(children ...Expression) Composite {
	return Composite{Op: Intersection, Children: children}
}

// Without drops every test that matches base and at least one of the
// subtracted expressions. Tests outside base are kept.
func Without(base Expression, subtracted ...Expression) Composite {
	return Composite{Op: Subtract, Children: append([]Expression{base}, subtracted...)}
}
