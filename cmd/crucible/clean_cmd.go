package main

import "context"

type CleanCmd struct{}

func (c *CleanCmd) Run(cctx *Context) error {
	return cctx.client().Clean(context.Background())
}
