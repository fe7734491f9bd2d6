package executor

import (
	"context"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Router sends devices that Owns claims to Remote and every other device to
// Local. A nil Local leaves unclaimed devices with Remote.
type Router struct {
	Remote Backend
	Owns   func(deviceID string) bool
	Local  Backend
}

func (r Router) pick(d domain.Device) Backend {
	if r.Local == nil || r.Owns(d.ID) {
		return r.Remote
	}
	return r.Local
}

// Execute implements Executor
func (r Router) Execute(ctx context.Context, d domain.Device, t domain.Test) (Result, error) {
	return r.pick(d).Execute(ctx, d, t)
}

// Shell implements Shell
func (r Router) Shell(ctx context.Context, d domain.Device, command string) (ShellResult, error) {
	return r.pick(d).Shell(ctx, d, command)
}
