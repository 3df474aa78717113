package main

import (
	"context"
	"fmt"
	"os"

	"github.com/crucible-build/crucible/id"
)

type LogCmd struct {
	RunID  string `arg:"" help:"run id"`
	Follow bool   `short:"f" help:"stream new log output as it's appended, until the run finishes"`
}

func (c *LogCmd) Run(cctx *Context) error {
	runID, err := id.Parse(c.RunID)
	if err != nil {
		return fmt.Errorf("parsing run id: %w", err)
	}
	if c.Follow {
		return cctx.client().FollowLog(context.Background(), runID, os.Stdout)
	}
	body, err := cctx.client().Log(context.Background(), runID)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(body)
	return err
}
