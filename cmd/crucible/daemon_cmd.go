package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/crucible-build/crucible/rpc"
	"github.com/crucible-build/crucible/run"
	"github.com/crucible-build/crucible/store"
)

const lockFileName = "daemon.lock"

type DaemonCmd struct {
	Action string `arg:"" optional:"" default:"status" enum:"start,stop,restart,status" help:"start, stop, restart, or report status of the engine daemon"`
}

func (c *DaemonCmd) Run(cctx *Context) error {
	switch c.Action {
	case "start":
		return c.start(cctx)
	case "stop":
		return c.stop(cctx)
	case "restart":
		if err := c.stop(cctx); err != nil {
			slog.Warn("daemon restart: stop failed, continuing", "error", err)
		}
		return c.spawnDetached(cctx)
	default:
		return c.status(cctx)
	}
}

func (c *DaemonCmd) status(cctx *Context) error {
	socketPath := filepath.Join(cctx.Root, "socket")
	conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
	if err != nil {
		fmt.Println("engine is not running")
		return nil
	}
	conn.Close()
	fmt.Println("engine is running")
	return nil
}

func (c *DaemonCmd) stop(cctx *Context) error {
	if err := cctx.client().Stop(context.Background()); err != nil {
		fmt.Println("engine is not running")
		return nil
	}
	fmt.Println("engine stopped")
	return nil
}

// start acquires the daemon lock and serves in the foreground; whoever
// launches the process (the operator, or restart's self-reexec) is
// responsible for backgrounding it.
func (c *DaemonCmd) start(cctx *Context) error {
	lockFile, err := acquireLock(filepath.Join(cctx.Root, lockFileName))
	if err != nil {
		return fmt.Errorf("engine already running: %w", err)
	}
	defer lockFile.Close()

	for _, dir := range []string{"objects", "logs", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(cctx.Root, dir), 0o755); err != nil {
			return err
		}
	}

	// The engine runs detached (spawnDetached discards the child's
	// stderr), so its own diagnostic log has nowhere to go unless it
	// writes to a file itself; lumberjack gives that file rotation so a
	// long-lived daemon doesn't grow it without bound.
	slog.SetDefault(slog.New(slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   filepath.Join(cctx.Root, "logs", "daemon.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
	}, nil)))

	s, err := store.NewFileStore(filepath.Join(cctx.Root, "objects"))
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}
	sched, err := run.Open(context.Background(), filepath.Join(cctx.Root, "database"))
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}
	defer sched.Close()
	logs, err := run.NewLogStore(filepath.Join(cctx.Root, "logs"))
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	defer logs.Close()

	srv := rpc.NewServer(s, sched, logs, cctx.BearerToken)

	socketPath := filepath.Join(cctx.Root, "socket")
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("engine received shutdown signal")
		listener.Close()
	}()

	slog.Info("engine serving", "socket", socketPath, "root", cctx.Root)
	return srv.Serve(listener)
}

func (c *DaemonCmd) spawnDetached(cctx *Context) error {
	cmd := exec.Command(os.Args[0], "daemon", "start", "--root", cctx.Root)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	socketPath := filepath.Join(cctx.Root, "socket")
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			fmt.Println("engine restarted")
			return nil
		}
	}
	return fmt.Errorf("engine failed to start")
}

func acquireLock(lockFilePath string) (*os.File, error) {
	file, err := os.OpenFile(lockFilePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("engine already running")
	}
	file.Truncate(0)
	fmt.Fprintf(file, "%d", os.Getpid())
	return file, nil
}
