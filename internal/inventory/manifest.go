// Package inventory loads the test manifest and the device descriptors that
// feed a run.
package inventory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Manifest is the YAML list of discovered tests.
//
//	tests:
//	  - id: com.example.LoginTest#testLogin
//	  - package: com.example
//	    class: LoginTest
//	    method: testLogout
//	    meta:
//	      - name: com.example.Flaky
type Manifest struct {
	Tests []ManifestEntry `yaml:"tests"`
}

// ManifestEntry is one test, either as an id or spelled out
type ManifestEntry struct {
	ID          string `yaml:"id,omitempty"`
	domain.Test `yaml:",inline"`
}

// LoadManifest reads a manifest file
func LoadManifest(path string) ([]domain.Test, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a manifest and returns its tests in file order.
// Duplicate tests are rejected.
func ParseManifest(data []byte) ([]domain.Test, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &domain.ConfigError{Field: "manifest", Message: "invalid YAML", Err: err}
	}

	tests := make([]domain.Test, 0, len(m.Tests))
	seen := make(map[string]int, len(m.Tests))
	for i, e := range m.Tests {
		t := e.Test
		if e.ID != "" {
			parsed, err := domain.ParseTestID(e.ID)
			if err != nil {
				return nil, &domain.ConfigError{Field: fmt.Sprintf("manifest.tests[%d].id", i), Message: err.Error()}
			}
			parsed.MetaProperties = e.MetaProperties
			t = parsed
		}
		if t.Class == "" || t.Method == "" {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("manifest.tests[%d]", i), Message: "class and method are required"}
		}
		if prev, ok := seen[t.ID()]; ok {
			return nil, &domain.ConfigError{
				Field:   fmt.Sprintf("manifest.tests[%d]", i),
				Message: fmt.Sprintf("duplicate of tests[%d] (%s)", prev, t.ID()),
			}
		}
		seen[t.ID()] = i
		tests = append(tests, t)
	}
	return tests, nil
}
