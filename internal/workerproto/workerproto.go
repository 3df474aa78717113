// Package workerproto is the worker side of the run scheduler's
// dequeue/evaluate/finish cycle (spec.md §4.7, §6.4): it pops queued
// runs from the control plane, resolves each run's target to a task
// through an injected target.Evaluator, drives the sandbox, and reports
// the outcome back over rpc.
package workerproto

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/rpc"
	"github.com/crucible-build/crucible/run"
	"github.com/crucible-build/crucible/store"
	"github.com/crucible-build/crucible/target"
)

const component = "workerproto"

// RemoteStore adapts an rpc.Client to the store.Store interface so an
// Evaluator running in a separate worker process can check artifacts in
// and out without a local on-disk store (spec.md §9: "dynamic dispatch
// (client vs server)").
type RemoteStore struct {
	Client *rpc.Client
}

func (s RemoteStore) Head(ctx context.Context, i id.ID) (bool, error) {
	return s.Client.HasObject(ctx, i)
}

func (s RemoteStore) Get(ctx context.Context, i id.ID) ([]byte, error) {
	return s.Client.GetObject(ctx, i)
}

func (s RemoteStore) Put(ctx context.Context, i id.ID, body []byte) error {
	return s.Client.PutObject(ctx, i, body)
}

// Clean is a server-operator action (spec.md §4.2's explicit
// mark-and-sweep); RemoteStore does not forward it to the control plane's
// POST /v1/clean endpoint, so a worker cannot trigger it through the
// remote store.
func (s RemoteStore) Clean(ctx context.Context, liveRoots []id.ID) error {
	return cerr.Invalidf(component, "Clean is not available through the remote store")
}

// Worker repeatedly dequeues runs whose host matches Systems and
// evaluates them with Evaluator, bounded to Concurrency runs in flight
// at once (a buffered channel used as a counting semaphore).
type Worker struct {
	Client      *rpc.Client
	Evaluator   target.Evaluator
	Systems     []string
	Concurrency int
}

// Run drives the dequeue loop until ctx is canceled. Each dequeued run
// is evaluated on its own goroutine so a long-running evaluation never
// blocks the next dequeue.
func (w *Worker) Run(ctx context.Context) error {
	concurrency := w.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for {
		item, err := w.Client.Dequeue(ctx, w.Systems)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				wg.Wait()
				return nil
			}
			return err
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil
		}

		wg.Add(1)
		go func(item rpc.DequeueItem) {
			defer wg.Done()
			defer func() { <-sem }()
			w.evaluate(ctx, item)
		}(item)
	}
}

func (w *Worker) evaluate(ctx context.Context, item rpc.DequeueItem) {
	log := slog.With("component", component, "run_id", item.RunID.String(), "target_id", item.TargetID.String())

	body, err := w.Client.GetObject(ctx, item.TargetID)
	if err != nil {
		w.finish(ctx, item.RunID, run.Outcome{Kind: run.OutcomeFailed, Error: err.Error()})
		return
	}
	tgt, err := target.DecodeTarget(body)
	if err != nil {
		w.finish(ctx, item.RunID, run.Outcome{Kind: run.OutcomeFailed, Error: err.Error()})
		return
	}

	rc := &runContext{client: w.Client, runID: item.RunID}
	log.InfoContext(ctx, "evaluating target")
	valueID, err := w.Evaluator.Evaluate(ctx, tgt, rc)
	if err != nil {
		log.ErrorContext(ctx, "evaluation failed", "error", err)
		w.finish(ctx, item.RunID, run.Outcome{Kind: run.OutcomeFailed, Error: err.Error()})
		return
	}
	log.InfoContext(ctx, "evaluation succeeded", "value_id", valueID.String())
	w.finish(ctx, item.RunID, run.Outcome{Kind: run.OutcomeSucceeded, ValueID: valueID})
}

func (w *Worker) finish(ctx context.Context, runID id.ID, outcome run.Outcome) {
	if err := w.Client.Finish(ctx, runID, rpc.Outcome{
		Kind:    string(outcome.Kind),
		ValueID: valueIDString(outcome),
		Error:   outcome.Error,
	}); err != nil {
		slog.ErrorContext(ctx, "failed to report run outcome", "component", component, "run_id", runID.String(), "error", err)
	}
}

func valueIDString(outcome run.Outcome) string {
	if outcome.ValueID.IsZero() {
		return ""
	}
	return outcome.ValueID.String()
}

// runContext is the target.RunContext an evaluator receives while
// running inside a worker process; every call crosses back over rpc to
// the control plane.
type runContext struct {
	client *rpc.Client
	runID  id.ID
}

func (rc *runContext) LogWrite(ctx context.Context, p []byte) error {
	return rc.client.AppendLog(ctx, rc.runID, p)
}

// CreateChildRun checks in the child target (its referenced package must
// already be in the store, per store.Store.Put's reference-closure check)
// and queues it, linking it to the parent run for the tree view §4.7
// describes.
func (rc *runContext) CreateChildRun(ctx context.Context, child target.Target) (id.ID, error) {
	childID := child.ID()
	if err := rc.client.PutObject(ctx, childID, child.Encode()); err != nil {
		return id.ID{}, err
	}
	childRun, err := rc.client.Build(ctx, childID, 0, "", "")
	if err != nil {
		return id.ID{}, err
	}
	if err := rc.client.AddChild(ctx, rc.runID, childRun); err != nil {
		return id.ID{}, err
	}
	return childRun, nil
}

func (rc *runContext) Store() store.Store {
	return RemoteStore{Client: rc.client}
}
