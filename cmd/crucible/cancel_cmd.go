package main

import (
	"context"
	"fmt"

	"github.com/crucible-build/crucible/id"
)

type CancelCmd struct {
	RunID string `arg:"" help:"run id to cancel"`
}

func (c *CancelCmd) Run(cctx *Context) error {
	runID, err := id.Parse(c.RunID)
	if err != nil {
		return fmt.Errorf("parsing run id: %w", err)
	}
	return cctx.client().Cancel(context.Background(), runID)
}
