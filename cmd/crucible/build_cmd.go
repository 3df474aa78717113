package main

import (
	"context"
	"fmt"

	"github.com/crucible-build/crucible/id"
)

type BuildCmd struct {
	Target string `arg:"" help:"target object id to build"`
	Depth  int    `default:"0" help:"recursion depth, for nested-target reporting"`
	Retry  string `default:"" placeholder:"<never|failed|all|none>" help:"retry policy applied if this target already has a run"`
	Host   string `default:"" help:"system tag to queue against; defaults to the engine's own host"`
}

func (c *BuildCmd) Run(cctx *Context) error {
	targetID, err := id.Parse(c.Target)
	if err != nil {
		return fmt.Errorf("parsing target id: %w", err)
	}
	runID, err := cctx.client().Build(context.Background(), targetID, c.Depth, c.Retry, c.Host)
	if err != nil {
		return err
	}
	fmt.Println(runID.String())
	return nil
}
