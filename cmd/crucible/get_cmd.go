package main

import (
	"context"
	"fmt"
	"os"

	"github.com/crucible-build/crucible/id"
)

type GetCmd struct {
	ID string `arg:"" help:"object id to fetch"`
}

func (c *GetCmd) Run(cctx *Context) error {
	oid, err := id.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parsing object id: %w", err)
	}
	body, err := cctx.client().GetObject(context.Background(), oid)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(body)
	return err
}
