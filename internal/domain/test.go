package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var testIDRegex = regexp.MustCompile(`^((?:[A-Za-z_$][\w$]*\.)*)([A-Za-z_$][\w$]*)#(.+)$`)

// MetaProperty is an annotation or tag attached to a test
type MetaProperty struct {
	Name   string            `yaml:"name" json:"name"`
	Values map[string]string `yaml:"values,omitempty" json:"values,omitempty"`
}

// Test identifies a single test method. Tests are immutable after discovery.
type Test struct {
	Package        string         `yaml:"package" json:"package"`
	Class          string         `yaml:"class" json:"class"`
	Method         string         `yaml:"method" json:"method"`
	MetaProperties []MetaProperty `yaml:"meta,omitempty" json:"meta,omitempty"`
}

// ParseTestID parses "com.example.FooTest#testBar" into a Test
func ParseTestID(s string) (Test, error) {
	m := testIDRegex.FindStringSubmatch(s)
	if m == nil {
		return Test{}, fmt.Errorf("invalid test id %q (expected package.Class#method)", s)
	}
	return Test{
		Package: strings.TrimSuffix(m[1], "."),
		Class:   m[2],
		Method:  m[3],
	}, nil
}

// ClassName returns the fully-qualified class name
func (t Test) ClassName() string {
	if t.Package == "" {
		return t.Class
	}
	return t.Package + "." + t.Class
}

// ID returns the canonical identifier package.Class#method
func (t Test) ID() string {
	return t.ClassName() + "#" + t.Method
}

func (t Test) String() string {
	return t.ID()
}

// HasMeta reports whether the test carries a meta property with the given name
func (t Test) HasMeta(name string) bool {
	for _, p := range t.MetaProperties {
		if p.Name == name {
			return true
		}
	}
	return false
}

// TestIDs returns the ids of the given tests in order
func TestIDs(tests []Test) []string {
	ids := make([]string, len(tests))
	for i, t := range tests {
		ids[i] = t.ID()
	}
	return ids
}
