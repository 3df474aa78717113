//go:build linux

package linux

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// runInitStage is the process spawned by Run under CLONE_NEWUSER. It
// sets its death signal, spawns the guest under the remaining
// namespaces, reaps it, and reports the exit status back to the host
// over the inherited status pipe (spec.md §4.6 steps 5-6, 8).
func runInitStage() {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox/linux: init: set pdeathsig: %v\n", err)
		os.Exit(1)
	}

	req := loadRequest()

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox/linux: init: resolve self: %v\n", err)
		os.Exit(1)
	}

	cloneflags := unix.CLONE_NEWNS | unix.CLONE_NEWPID
	if !req.NetworkEnabled {
		cloneflags |= unix.CLONE_NEWNET
	}

	guest := exec.Command(self)
	guest.Env = append(os.Environ(), envStage+"="+stageGuest, envRequest+"="+os.Getenv(envRequest))
	guest.Stdin, guest.Stdout, guest.Stderr = os.Stdin, os.Stdout, os.Stderr
	guest.Dir = "/"
	guest.SysProcAttr = &syscall.SysProcAttr{Cloneflags: uintptr(cloneflags)}

	runErr := guest.Run()
	status := toInitStatus(runErr)

	statusFile := os.NewFile(statusPipeFDNum, "status")
	_ = json.NewEncoder(statusFile).Encode(status)
	_ = statusFile.Close()
}

// toInitStatus maps the guest's exec.Cmd.Run error to the init stage's
// status report (spec.md "Exit status encoding": either Code(i32) or
// Signal(i32)).
func toInitStatus(runErr error) initStatus {
	if runErr == nil {
		code := int32(0)
		return initStatus{Code: &code}
	}
	exitErr, ok := runErr.(*exec.ExitError)
	if !ok {
		code := int32(-1)
		return initStatus{Code: &code}
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		code := int32(-1)
		return initStatus{Code: &code}
	}
	if ws.Signaled() {
		sig := int32(ws.Signal())
		return initStatus{Signal: &sig}
	}
	code := int32(ws.ExitStatus())
	return initStatus{Code: &code}
}

// runGuestStage performs the innermost namespace setup — mounts,
// pivot_root, chdir, and finally execve — exactly following the guest
// protocol (spec.md §4.6 step 7). It never returns on success: the
// process image is replaced by the task's executable.
func runGuestStage() {
	req := loadRequest()

	must := func(step string, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "sandbox/linux: guest: %s: %v\n", step, err)
			os.Exit(1)
		}
	}

	newRoot := filepath.Dir(os.Getenv(envRequest))

	must("mount /dev", unix.Mount("/dev", filepath.Join(newRoot, "dev"), "", unix.MS_BIND|unix.MS_REC, ""))
	must("mount /proc", unix.Mount("proc", filepath.Join(newRoot, "proc"), "proc", 0, ""))
	must("mount /tmp", unix.Mount("tmpfs", filepath.Join(newRoot, "tmp"), "tmpfs", 0, ""))

	must("mount artifacts", unix.Mount(req.ArtifactsHostPath, filepath.Join(newRoot, req.ArtifactsGuestPath), "", unix.MS_BIND|unix.MS_REC, ""))
	if !req.Unsafe {
		must("remount artifacts ro", unix.Mount("", filepath.Join(newRoot, req.ArtifactsGuestPath), "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""))
	}

	for _, m := range req.Mounts {
		guestPath := filepath.Join(newRoot, m.GuestPath)
		if m.Kind == MountDirectory {
			must("mkdir mount target", os.MkdirAll(guestPath, 0o755))
		} else {
			must("mkdir mount parent", os.MkdirAll(filepath.Dir(guestPath), 0o755))
			f, err := os.OpenFile(guestPath, os.O_CREATE, 0o644)
			must("create mount target", err)
			f.Close()
		}
		must(fmt.Sprintf("bind mount %s", m.GuestPath), unix.Mount(m.HostPath, guestPath, "", unix.MS_BIND, ""))
		if m.Mode == MountReadOnly {
			must(fmt.Sprintf("remount %s ro", m.GuestPath), unix.Mount("", guestPath, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""))
		}
	}

	must("bind-mount new root onto itself", unix.Mount(newRoot, newRoot, "", unix.MS_BIND|unix.MS_REC, ""))
	must("chdir to new root", unix.Chdir(newRoot))
	must("mkdir old root", os.MkdirAll(filepath.Join(newRoot, ".old-root"), 0o700))
	must("pivot_root", unix.PivotRoot(".", ".old-root"))
	must("chdir /", unix.Chdir("/"))
	must("unmount old root", unix.Unmount("/.old-root", unix.MNT_DETACH))
	must("remove old root mountpoint", os.RemoveAll("/.old-root"))
	must("remount / ro", unix.Mount("", "/", "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""))

	workDir := strOr(req.WorkDir, defaultWorkDir)
	must("mkdir workdir", os.MkdirAll(workDir, 0o755))
	must("chdir workdir", unix.Chdir(workDir))

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	argv := append([]string{req.Executable}, req.Args...)
	err := unix.Exec(req.Executable, argv, env)
	fmt.Fprintf(os.Stderr, "sandbox/linux: guest: execve %s: %v\n", req.Executable, err)
	os.Exit(127)
}
