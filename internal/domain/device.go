package domain

import "sort"

// Well-known capability keys
const (
	CapSerial  = "serial"
	CapModel   = "model"
	CapOS      = "os"
	CapVersion = "os_version"
	CapABI     = "abi"
)

// Device is a worker that executes one test at a time over a control channel
type Device struct {
	ID           string            `yaml:"id" json:"id" toml:"id"`
	Pool         string            `yaml:"pool,omitempty" json:"pool,omitempty" toml:"pool"`
	Capabilities map[string]string `yaml:"capabilities,omitempty" json:"capabilities,omitempty" toml:"capabilities"`
}

// Capability returns a capability value or empty string
func (d Device) Capability(key string) string {
	if d.Capabilities == nil {
		return ""
	}
	return d.Capabilities[key]
}

// Serial returns the device serial, falling back to the id
func (d Device) Serial() string {
	if s := d.Capability(CapSerial); s != "" {
		return s
	}
	return d.ID
}

// CapabilityKeys returns the sorted capability names
func (d Device) CapabilityKeys() []string {
	keys := make([]string, 0, len(d.Capabilities))
	for k := range d.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
