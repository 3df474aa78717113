// Package taskeval is a minimal reference target.Evaluator: it handles
// the one reduction spec.md §3 describes in full ("a target may reduce
// to a task during evaluation") without pulling in a scripting language.
// The embedded JS/TS evaluator for general build scripts is explicitly
// out of scope (spec.md §1); this package gives cmd/crucible-worker a
// working default for the direct target->task case rather than shipping
// with no evaluator wired up at all.
//
// Convention: a target reduces directly to a task when its ExportName
// is "run_task" and its sole argument is a ValueBlob whose id names an
// encoded target.Task object already checked into the store.
package taskeval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/crucible-build/crucible/artifact"
	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/target"
)

const component = "taskeval"

// RunTaskExport is the ExportName convention this evaluator recognizes.
const RunTaskExport = "run_task"

// Evaluator runs direct task targets in the local sandbox (sandbox/linux
// on Linux, sandbox/darwin elsewhere).
type Evaluator struct{}

func (Evaluator) Evaluate(ctx context.Context, t target.Target, rc target.RunContext) (id.ID, error) {
	if t.ExportName != RunTaskExport {
		return id.ID{}, cerr.Invalidf(component, "unsupported export %q: no evaluator bound for general targets", t.ExportName)
	}
	if len(t.Args) != 1 || t.Args[0].Kind != target.ValueBlob {
		return id.ID{}, cerr.Invalidf(component, "run_task target must carry exactly one blob argument naming the task object")
	}

	s := rc.Store()
	body, err := s.Get(ctx, t.Args[0].ID)
	if err != nil {
		return id.ID{}, err
	}
	task, err := target.DecodeTask(body)
	if err != nil {
		return id.ID{}, err
	}

	// A task may only reach the network or relax its sandbox's isolation
	// when it has either opted into Unsafe or pinned its result to a
	// Checksum the run can verify after the fact: checking the output
	// closes the hole that an unconstrained network fetch would otherwise
	// leave open (spec.md §4.6, supplemented "unsafe/network flags gating
	// sandbox mount strictness").
	if task.Network && !task.Unsafe && task.Checksum == "" {
		return id.ID{}, cerr.Invalidf(component, "network access requires task.checksum or task.unsafe")
	}

	workDir, err := os.MkdirTemp("", "crucible-task-eval-")
	if err != nil {
		return id.ID{}, cerr.SandboxStep(component, "mkdir eval workdir", err)
	}
	defer os.RemoveAll(workDir)

	name := ephemeralName(t.Args[0].ID)
	slog.InfoContext(ctx, "taskeval: evaluating", "name", name, "host", task.Host, "workdir", workDir)

	checkedOut := map[id.ID]string{}
	resolver := target.Resolver{
		ProjectPath: func(artifactID id.ID) (string, error) {
			if p, ok := checkedOut[artifactID]; ok {
				return p, nil
			}
			root := filepath.Join(workDir, "artifacts")
			if err := artifact.CheckOut(ctx, s, root, artifactID); err != nil {
				return "", err
			}
			dest := filepath.Join(root, artifactID.String())
			checkedOut[artifactID] = dest
			return dest, nil
		},
		Placeholder: func(name string) (string, error) {
			return "", cerr.Invalidf(component, "unbound placeholder %q", name)
		},
	}

	executable, err := task.Executable.Render(resolver)
	if err != nil {
		return id.ID{}, err
	}
	args := make([]string, len(task.Args))
	for i, a := range task.Args {
		rendered, err := a.Render(resolver)
		if err != nil {
			return id.ID{}, err
		}
		args[i] = rendered
	}
	env := make(map[string]string, len(task.Env))
	for _, e := range task.Env {
		rendered, err := e.Value.Template.Render(resolver)
		if err != nil {
			return id.ID{}, err
		}
		env[e.Key] = rendered
	}

	outcome, err := runOnHost(ctx, executable, args, env, task.Network, task.Unsafe || task.Checksum != "")
	if err != nil {
		return id.ID{}, err
	}
	if outcome.Code == nil || *outcome.Code != 0 {
		return id.ID{}, cerr.New(cerr.ProcessExit, component, nil)
	}

	resultBody := []byte(executable)
	if task.Checksum != "" {
		if err := verifyChecksum(task.Checksum, resultBody); err != nil {
			return id.ID{}, err
		}
	}

	resultID := id.Of(id.KindBlob, resultBody)
	if err := s.Put(ctx, resultID, resultBody); err != nil {
		return id.ID{}, err
	}
	return resultID, nil
}

// verifyChecksum reports a cerr.ChecksumMismatch if body's digest doesn't
// match want (spec.md §4.6's checksum-verification requirement).
func verifyChecksum(want string, body []byte) error {
	algorithm, hexDigest, ok := target.SplitChecksum(want)
	if !ok {
		return cerr.Invalidf(component, "malformed checksum %q", want)
	}
	if algorithm != "sha256" {
		return cerr.Invalidf(component, "unsupported checksum algorithm %q", algorithm)
	}
	sum := sha256.Sum256(body)
	got := target.Checksum(algorithm, hex.EncodeToString(sum[:]))
	if got != want {
		return cerr.Checksumf(component, want, got)
	}
	return nil
}

// hostOutcome is the OS-agnostic shape runOnHost (implemented per-GOOS in
// runhost_linux.go / runhost_other.go) returns.
type hostOutcome struct {
	Code   *int32
	Signal *int32
}
