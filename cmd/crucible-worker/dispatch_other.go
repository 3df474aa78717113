//go:build !linux

package main

// The self-reexec two-stage namespace pattern is Linux-specific
// (sandbox/linux); other platforms' sandbox runner (sandbox/darwin)
// runs the task directly on the host, so there is no stage to dispatch.
func dispatchSandboxStage() {}
