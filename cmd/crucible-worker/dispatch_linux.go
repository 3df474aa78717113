//go:build linux

package main

import "github.com/crucible-build/crucible/sandbox/linux"

func dispatchSandboxStage() {
	linux.Dispatch()
}
