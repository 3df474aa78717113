package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"

	"github.com/crucible-build/crucible/rpc"
)

// Context is the per-command environment kong threads through Run
// methods, mirroring the teacher's Context struct in cmd/sand/main.go.
type Context struct {
	Root        string
	BearerToken string
	Remote      string
}

// client connects to a running engine's control plane: over the local
// socket by default, or over TCP to a host resolved from ~/.ssh/config
// when --remote names a configured alias (mirroring the teacher's
// sshimmer use of the same library for host configuration, here reading
// HostName/Port instead of rewriting Include blocks).
func (c *Context) client() *rpc.Client {
	if c.Remote == "" {
		return rpc.NewUnixClient(filepath.Join(c.Root, "socket"), c.BearerToken)
	}
	addr, err := resolveRemoteAddr(c.Remote)
	if err != nil {
		slog.Warn("remote host resolution failed, falling back to local socket", "remote", c.Remote, "error", err)
		return rpc.NewUnixClient(filepath.Join(c.Root, "socket"), c.BearerToken)
	}
	return rpc.NewTCPClient(addr, c.BearerToken)
}

type CLI struct {
	Root        string `default:"" placeholder:"<root-dir>" help:"engine state directory (objects/, database, socket, artifacts/); defaults to ~/.crucible"`
	LogLevel    string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	BearerToken string `default:"" env:"CRUCIBLE_TOKEN" help:"bearer token for the control-plane RPC"`
	Remote      string `default:"" placeholder:"<ssh-alias>" predictor:"ssh-alias" help:"build against a remote engine, resolving host/port from ~/.ssh/config"`

	Daemon  DaemonCmd  `cmd:"" help:"start, stop, or report status of the engine daemon"`
	Build   BuildCmd   `cmd:"" help:"build a target, returning its run id"`
	Get     GetCmd     `cmd:"" help:"fetch an object's bytes to stdout"`
	Put     PutCmd     `cmd:"" help:"check stdin into the object store under a given id"`
	Clean   CleanCmd   `cmd:"" help:"mark-and-sweep unreferenced objects"`
	Log     LogCmd     `cmd:"" help:"print a run's accumulated log"`
	Cancel  CancelCmd  `cmd:"" help:"cancel a run"`
	Stop    StopCmd    `cmd:"" help:"stop the engine daemon"`
	Status  StatusCmd  `cmd:"" help:"report engine version and uptime"`
	Exec    ExecCmd    `cmd:"" help:"run a command in a local debug sandbox, bypassing the daemon"`
	Version VersionCmd `cmd:"" help:"print version information about this command"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func defaultRoot() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	root := filepath.Join(homeDir, ".crucible")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("creating root directory: %w", err)
	}
	return root, nil
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, ".crucible.yaml", "~/.crucible.yaml"),
		kong.Description("Content-addressed, hermetic build engine."))

	// Registers a hidden "completion" command that prints a shell
	// completion script; object/run ids have no useful predictor, so
	// only the remote-alias flag gets one, sourced from ~/.ssh/config.
	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("ssh-alias", complete.PredictFunc(sshAliasPredictor)),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initSlog()

	if cli.Root == "" {
		root, err := defaultRoot()
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to resolve root directory: %v\n", err)
			os.Exit(1)
		}
		cli.Root = root
	}

	err = kctx.Run(&Context{Root: cli.Root, BearerToken: cli.BearerToken, Remote: cli.Remote})
	kctx.FatalIfErrorf(err)
}
