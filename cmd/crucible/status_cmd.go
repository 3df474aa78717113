package main

import (
	"context"
	"encoding/json"
	"fmt"
)

type StatusCmd struct{}

func (c *StatusCmd) Run(cctx *Context) error {
	status, err := cctx.client().Status(context.Background())
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
