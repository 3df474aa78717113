//go:build linux

// Package linux implements the Linux sandbox process runner (spec.md
// §4.6): a user/mount/PID/[network]-namespaced chroot with bind-mounted
// artifact dependencies, built by re-executing the current binary
// through two privilege-dropping stages rather than raw fork/clone —
// forking a multithreaded Go process directly is unsafe, so every real
// Go container runtime (and this one) re-execs itself instead, handing
// namespace setup to os/exec's Cloneflags/UidMappings.
package linux

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/crucible-build/crucible/cerr"
)

const component = "sandbox/linux"

// Stage environment variables. The worker binary checks for these at
// startup (see Dispatch) and, if present, runs the corresponding
// namespace-setup stage instead of its normal command-line handling.
const (
	envStage        = "CRUCIBLE_SANDBOX_STAGE"
	envRequest      = "CRUCIBLE_SANDBOX_REQUEST"
	stageInit       = "init"
	stageGuest      = "guest"
	sandboxUID      = 1000
	sandboxGID      = 1000
	defaultWorkDir  = "/home/crucible/work"
	statusPipeFDNum = 3 // first entry of ExtraFiles
)

// MountKind distinguishes the two mountable artifact shapes.
type MountKind int

const (
	MountFile MountKind = iota
	MountDirectory
)

// MountMode is the guest-side access mode for a bind mount.
type MountMode int

const (
	MountReadOnly MountMode = iota
	MountReadWrite
)

// Mount is one user-specified bind mount (spec.md §4.6 "Inputs").
type Mount struct {
	HostPath  string
	GuestPath string
	Kind      MountKind
	Mode      MountMode
}

// Request describes one task to run inside the sandbox.
type Request struct {
	Executable     string
	Args           []string
	Env            map[string]string
	Mounts         []Mount
	NetworkEnabled bool

	// Unsafe relaxes the artifacts bind mount from read-only to
	// read-write (spec.md §4.6, supplemented "unsafe/network flags gating
	// sandbox mount strictness"). internal/taskeval sets this when a task
	// is marked unsafe or carries a Checksum to verify its result against.
	Unsafe bool

	WorkDir            string
	ArtifactsHostPath  string
	ArtifactsGuestPath string
	HelperEnvPath      string // static /usr/bin/env for the guest's architecture
	HelperShPath       string // static /bin/sh for the guest's architecture
}

// Outcome is the task's exit status (spec.md "Exit status encoding").
type Outcome struct {
	Code   *int32
	Signal *int32
}

// Run executes req inside a fresh sandbox root and returns its exit
// outcome. The hermetic root is torn down when Run returns.
func Run(ctx context.Context, req Request) (Outcome, error) {
	root, err := os.MkdirTemp("", "crucible-sandbox-")
	if err != nil {
		return Outcome{}, cerr.SandboxStep(component, "mkdir root", err)
	}
	defer os.RemoveAll(root)

	if err := prepareRoot(root, req); err != nil {
		return Outcome{}, err
	}

	self, err := os.Executable()
	if err != nil {
		return Outcome{}, cerr.SandboxStep(component, "resolve self executable", err)
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, cerr.SandboxStep(component, "encode request", err)
	}
	reqFile := filepath.Join(root, ".crucible-request.json")
	if err := os.WriteFile(reqFile, reqJSON, 0o600); err != nil {
		return Outcome{}, cerr.SandboxStep(component, "write request", err)
	}

	statusReader, statusWriter, err := os.Pipe()
	if err != nil {
		return Outcome{}, cerr.SandboxStep(component, "create status pipe", err)
	}
	defer statusReader.Close()

	init := exec.CommandContext(ctx, self)
	init.Env = append(os.Environ(), envStage+"="+stageInit, envRequest+"="+reqFile)
	init.Stdin, init.Stdout, init.Stderr = os.Stdin, os.Stdout, os.Stderr
	init.ExtraFiles = []*os.File{statusWriter}
	init.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: sandboxUID, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: sandboxGID, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}

	if err := init.Start(); err != nil {
		statusWriter.Close()
		return Outcome{}, cerr.SandboxStep(component, "clone(CLONE_NEWUSER)", err)
	}
	statusWriter.Close()

	var status initStatus
	decodeErr := json.NewDecoder(statusReader).Decode(&status)
	waitErr := init.Wait()

	if decodeErr != nil {
		if waitErr != nil {
			return Outcome{}, cerr.SandboxStep(component, "init process", waitErr)
		}
		return Outcome{}, cerr.SandboxStep(component, "read guest status", decodeErr)
	}

	return status.toOutcome(), nil
}

// initStatus is what the init stage reports back to the host over the
// status pipe once it has reaped the guest.
type initStatus struct {
	Code   *int32 `json:"code,omitempty"`
	Signal *int32 `json:"signal,omitempty"`
}

func (s initStatus) toOutcome() Outcome {
	return Outcome{Code: s.Code, Signal: s.Signal}
}

// prepareRoot materializes the sandbox root directory: identity files,
// the static env/sh helpers, and the mount-point directories
// (spec.md §4.6 steps 1-3). The artifacts bind mount itself is made
// later, in the guest stage.
func prepareRoot(root string, req Request) error {
	for _, dir := range []string{"etc", "usr/bin", "bin", "dev", "proc", "tmp", req.ArtifactsGuestPath, strOr(req.WorkDir, defaultWorkDir)} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return cerr.SandboxStep(component, "mkdir "+dir, err)
		}
	}

	passwd := fmt.Sprintf("root:x:0:0:root:/root:/bin/sh\ncrucible:x:%d:%d:crucible:%s:/bin/sh\n",
		sandboxUID, sandboxGID, strOr(req.WorkDir, defaultWorkDir))
	if err := os.WriteFile(filepath.Join(root, "etc/passwd"), []byte(passwd), 0o644); err != nil {
		return cerr.SandboxStep(component, "write /etc/passwd", err)
	}
	group := fmt.Sprintf("root:x:0:\ncrucible:x:%d:\n", sandboxGID)
	if err := os.WriteFile(filepath.Join(root, "etc/group"), []byte(group), 0o644); err != nil {
		return cerr.SandboxStep(component, "write /etc/group", err)
	}
	nsswitch := "hosts: files dns\n"
	if err := os.WriteFile(filepath.Join(root, "etc/nsswitch.conf"), []byte(nsswitch), 0o644); err != nil {
		return cerr.SandboxStep(component, "write /etc/nsswitch.conf", err)
	}
	if req.NetworkEnabled {
		if resolv, err := os.ReadFile("/etc/resolv.conf"); err == nil {
			_ = os.WriteFile(filepath.Join(root, "etc/resolv.conf"), resolv, 0o644)
		}
	}

	if err := bindHelper(req.HelperEnvPath, filepath.Join(root, "usr/bin/env")); err != nil {
		return err
	}
	if err := bindHelper(req.HelperShPath, filepath.Join(root, "bin/sh")); err != nil {
		return err
	}

	return nil
}

// bindHelper bind-mounts a pre-built static helper binary into the
// sandbox root at dest, creating an empty regular file to mount over
// first (bind-mounting a file over a nonexistent path fails).
func bindHelper(src, dest string) error {
	if src == "" {
		return nil
	}
	if err := os.WriteFile(dest, nil, 0o755); err != nil {
		return cerr.SandboxStep(component, "create helper mountpoint "+dest, err)
	}
	if err := unix.Mount(src, dest, "", unix.MS_BIND, ""); err != nil {
		return cerr.SandboxStep(component, "bind mount helper "+dest, err)
	}
	return nil
}

func strOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Dispatch checks whether the current process was re-exec'd into a
// sandbox setup stage and, if so, runs that stage and exits the
// process — it never returns when a stage is active. cmd/crucible-worker
// calls this first thing in main().
func Dispatch() {
	stage := os.Getenv(envStage)
	if stage == "" {
		return
	}
	switch stage {
	case stageInit:
		runInitStage()
	case stageGuest:
		runGuestStage()
	default:
		fmt.Fprintf(os.Stderr, "sandbox/linux: unknown stage %q\n", stage)
		os.Exit(1)
	}
}

func loadRequest() Request {
	path := os.Getenv(envRequest)
	body, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox/linux: read request: %v\n", err)
		os.Exit(1)
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox/linux: decode request: %v\n", err)
		os.Exit(1)
	}
	return req
}
