//go:build !linux

package taskeval

import (
	"context"

	"github.com/crucible-build/crucible/sandbox/darwin"
)

// unsafeMode is accepted for signature parity with the Linux runner but
// unused here: macOS has no mount namespace to relax a bind mount's
// read-only flag within (sandbox/darwin's Mounts are always symlinks).
func runOnHost(ctx context.Context, executable string, args []string, env map[string]string, network, unsafeMode bool) (hostOutcome, error) {
	out, err := darwin.Run(ctx, darwin.Request{
		Executable:     executable,
		Args:           args,
		Env:            env,
		NetworkEnabled: network,
	})
	return hostOutcome{Code: out.Code, Signal: out.Signal}, err
}
