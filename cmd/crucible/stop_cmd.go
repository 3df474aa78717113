package main

import (
	"context"
	"fmt"
)

type StopCmd struct{}

func (c *StopCmd) Run(cctx *Context) error {
	if err := cctx.client().Stop(context.Background()); err != nil {
		return err
	}
	fmt.Println("engine stopped")
	return nil
}
