//go:build linux

package taskeval

import (
	"context"

	"github.com/crucible-build/crucible/sandbox/linux"
)

func runOnHost(ctx context.Context, executable string, args []string, env map[string]string, network, unsafeMode bool) (hostOutcome, error) {
	out, err := linux.Run(ctx, linux.Request{
		Executable:     executable,
		Args:           args,
		Env:            env,
		NetworkEnabled: network,
		Unsafe:         unsafeMode,
		WorkDir:        "/home/crucible/work",
	})
	return hostOutcome{Code: out.Code, Signal: out.Signal}, err
}
