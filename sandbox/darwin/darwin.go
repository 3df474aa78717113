// Package darwin implements the macOS sandbox process runner (spec.md
// §4.6, "macOS sandbox"). macOS has no namespace primitives equivalent
// to Linux's mount/pid/user/net namespaces, so this runner does not
// attempt one: it relies on the NFSv4-projected artifacts root
// (vfs/nfsd) for the read-only dependency closure and on ordinary host
// process hygiene for everything else. network_enabled = false is
// honored on a best-effort basis by stripping the task's network
// environment rather than by any kernel-level isolation.
package darwin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/crucible-build/crucible/cerr"
)

const component = "sandbox/darwin"

// MountKind distinguishes the two mountable artifact shapes.
type MountKind int

const (
	MountFile MountKind = iota
	MountDirectory
)

// Mount maps a host path into the task's guest-visible work tree. Since
// there is no mount namespace, this is materialized as a symlink rather
// than a bind mount.
type Mount struct {
	HostPath  string
	GuestPath string
	Kind      MountKind
}

// Request describes one task to run.
type Request struct {
	Executable     string
	Args           []string
	Env            map[string]string
	Mounts         []Mount
	NetworkEnabled bool
	WorkDir        string // guest-relative; joined under the task's work tree

	// ArtifactsHostPath is the host-side mountpoint of the NFSv4
	// projection (the directory nfsd.Start attached), made visible to
	// the task at ArtifactsGuestPath inside its work tree.
	ArtifactsHostPath  string
	ArtifactsGuestPath string

	// Interactive requests a live debug session rather than a batch
	// task run: stdin/stdout are wired straight through when the
	// caller's stdin is already a terminal, or through an allocated
	// pseudo-terminal otherwise (e.g. when driven over an SSH session
	// or a non-tty pipe), mirroring the teacher's container exec
	// fallback.
	Interactive bool
}

// Outcome is the task's exit status, matching sandbox/linux's shape so
// callers can treat both transports uniformly.
type Outcome struct {
	Code   *int32
	Signal *int32
}

// Run executes req directly on the host inside a fresh work tree built
// from symlinks into the NFS-projected artifacts root and any
// user-specified mounts. The work tree is torn down when Run returns.
func Run(ctx context.Context, req Request) (Outcome, error) {
	workRoot, err := os.MkdirTemp("", "crucible-sandbox-")
	if err != nil {
		return Outcome{}, cerr.SandboxStep(component, "mkdir work tree", err)
	}
	defer os.RemoveAll(workRoot)

	if err := linkArtifacts(workRoot, req); err != nil {
		return Outcome{}, err
	}
	for _, m := range req.Mounts {
		if err := linkMount(workRoot, m); err != nil {
			return Outcome{}, err
		}
	}

	workDir := filepath.Join(workRoot, strOr(req.WorkDir, "work"))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Outcome{}, cerr.SandboxStep(component, "mkdir workdir", err)
	}

	cmd := exec.CommandContext(ctx, req.Executable, req.Args...)
	cmd.Dir = workDir
	cmd.Env = taskEnv(req)

	if req.Interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
		slog.InfoContext(ctx, "sandbox/darwin: exec via pseudo-terminal", "executable", req.Executable)
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return Outcome{}, cerr.SandboxStep(component, "pty start", err)
		}
		defer ptmx.Close()
		go io.Copy(ptmx, os.Stdin)
		go io.Copy(os.Stdout, ptmx)
		return toOutcome(cmd.Wait()), nil
	}

	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	slog.InfoContext(ctx, "sandbox/darwin: exec", "executable", req.Executable, "network_enabled", req.NetworkEnabled)
	runErr := cmd.Run()
	return toOutcome(runErr), nil
}

// linkArtifacts makes the NFS-projected artifacts root visible inside
// the task's work tree at the guest path templates expect.
func linkArtifacts(workRoot string, req Request) error {
	if req.ArtifactsHostPath == "" {
		return nil
	}
	guestPath := filepath.Join(workRoot, strOr(req.ArtifactsGuestPath, "artifacts"))
	if err := os.MkdirAll(filepath.Dir(guestPath), 0o755); err != nil {
		return cerr.SandboxStep(component, "mkdir artifacts parent", err)
	}
	if err := os.Symlink(req.ArtifactsHostPath, guestPath); err != nil {
		return cerr.SandboxStep(component, "symlink artifacts", err)
	}
	return nil
}

// linkMount projects a single user-specified mount into the work tree.
// Without a mount namespace this is a best-effort symlink: the task
// sees the host path's live contents rather than a point-in-time copy,
// which (unlike Linux's bind mount) the guest could in principle write
// through if the host path itself is writable. Callers that need true
// isolation should schedule the task on a Linux host instead.
func linkMount(workRoot string, m Mount) error {
	guestPath := filepath.Join(workRoot, m.GuestPath)
	if err := os.MkdirAll(filepath.Dir(guestPath), 0o755); err != nil {
		return cerr.SandboxStep(component, "mkdir mount parent "+m.GuestPath, err)
	}
	if err := os.Symlink(m.HostPath, guestPath); err != nil {
		return cerr.SandboxStep(component, "symlink mount "+m.GuestPath, err)
	}
	return nil
}

// networkEnvKeys are stripped from the task's environment when
// network_enabled is false, the best-effort substitute for a real
// network namespace (spec.md §4.6 "macOS sandbox").
var networkEnvKeys = []string{
	"http_proxy", "https_proxy", "all_proxy", "no_proxy",
	"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY",
}

func taskEnv(req Request) []string {
	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		if !req.NetworkEnabled && isNetworkEnvKey(k) {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

func isNetworkEnvKey(k string) bool {
	for _, n := range networkEnvKeys {
		if k == n {
			return true
		}
	}
	return false
}

func strOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func toOutcome(runErr error) Outcome {
	if runErr == nil {
		code := int32(0)
		return Outcome{Code: &code}
	}
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		code := int32(-1)
		return Outcome{Code: &code}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := int32(ws.Signal())
		return Outcome{Signal: &sig}
	}
	code := int32(exitErr.ExitCode())
	return Outcome{Code: &code}
}
