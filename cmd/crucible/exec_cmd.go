package main

import (
	"context"
	"fmt"

	"github.com/crucible-build/crucible/sandbox/darwin"
)

// ExecCmd runs a command directly on the local host sandbox runner,
// bypassing the engine daemon and scheduler entirely. It exists for
// debugging a task's executable/args/env by hand, attaching the
// operator's terminal interactively instead of capturing a run log.
type ExecCmd struct {
	Executable string   `arg:"" help:"executable to run"`
	Args       []string `arg:"" optional:"" help:"arguments to the executable"`
	Network    bool     `default:"false" help:"allow outbound network access"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	outcome, err := darwin.Run(context.Background(), darwin.Request{
		Executable:     c.Executable,
		Args:           c.Args,
		NetworkEnabled: c.Network,
		Interactive:    true,
	})
	if err != nil {
		return err
	}
	if outcome.Code != nil && *outcome.Code != 0 {
		return fmt.Errorf("exec exited %d", *outcome.Code)
	}
	if outcome.Signal != nil {
		return fmt.Errorf("exec killed by signal %d", *outcome.Signal)
	}
	return nil
}
