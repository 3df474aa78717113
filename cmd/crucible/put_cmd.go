package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/crucible-build/crucible/id"
)

type PutCmd struct {
	ID string `arg:"" help:"object id the stdin bytes must hash to"`
}

func (c *PutCmd) Run(cctx *Context) error {
	oid, err := id.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("parsing object id: %w", err)
	}
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return cctx.client().PutObject(context.Background(), oid, body)
}
