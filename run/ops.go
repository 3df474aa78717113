package run

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/target"
)

// GetOrCreateRun returns the existing run for target's fingerprint unless
// that run is terminal and policy allows retrying its terminal state
// (RetryOnFailed: Failed only; RetryOnAll: any terminal state;
// RetryNever/RetryOnNone: never); otherwise it enqueues a new run. If
// parentRun is non-zero, the new run is linked into the parent's
// children list.
func (s *Scheduler) GetOrCreateRun(ctx context.Context, tgt target.Target, host string, parentRun id.ID, depth int, policy RetryPolicy) (id.ID, error) {
	fingerprint := tgt.ID()

	// The fingerprint check and the insert that follows it must be one
	// atomic section: releasing s.mu in between lets two concurrent
	// calls for the same target both miss the fingerprint index and each
	// mint their own run, which breaks the "concurrent get_or_create_run
	// calls return the same run id" guarantee.
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.fingerprint[fingerprint]
	if ok {
		row := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, existing.String())
		var statusStr string
		if err := row.Scan(&statusStr); err == nil {
			status := Status(statusStr)
			if !policy.allowsRetry(status) {
				if !parentRun.IsZero() {
					if err := s.AddChild(ctx, parentRun, existing); err != nil {
						return id.ID{}, err
					}
				}
				return existing, nil
			}
		}
	}

	runID := id.Of(id.KindRun, append([]byte(fingerprint.String()+":"), []byte(time.Now().UTC().Format(time.RFC3339Nano))...))
	now := time.Now().Unix()

	var parentArg any
	if !parentRun.IsZero() {
		parentArg = parentRun.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, fingerprint, target_id, host, status, parent_run, depth, retry_policy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID.String(), fingerprint.String(), tgt.ID().String(), host, string(StatusQueued), parentArg, depth, string(policy), now)
	if err != nil {
		return id.ID{}, cerr.IOf(component, err)
	}

	s.fingerprint[fingerprint] = runID
	s.queues[host] = append(s.queues[host], runID)
	waiters := s.waiters[host]
	s.waiters[host] = nil
	for _, w := range waiters {
		close(w)
	}
	s.ensureStreams(runID)

	if !parentRun.IsZero() {
		if err := s.AddChild(ctx, parentRun, runID); err != nil {
			return id.ID{}, err
		}
	}
	return runID, nil
}

// TryGetRunForTarget returns the most recent run for target's fingerprint
// identifier, if any.
func (s *Scheduler) TryGetRunForTarget(targetID id.ID) (id.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.fingerprint[targetID]
	return runID, ok
}

// DequeueRun pops the oldest queued run whose host is in systems, moving
// it to Running. It blocks until a matching run is available or ctx is
// canceled.
func (s *Scheduler) DequeueRun(ctx context.Context, systems []string) (Item, error) {
	for {
		if item, ok := s.tryDequeue(systems); ok {
			if err := s.markRunning(ctx, item.RunID); err != nil {
				return Item{}, err
			}
			rn, err := s.GetRun(ctx, item.RunID)
			if err != nil {
				return Item{}, err
			}
			item.TargetID = rn.TargetID
			return item, nil
		}

		wake := make(chan struct{})
		s.mu.Lock()
		for _, sys := range systems {
			s.waiters[sys] = append(s.waiters[sys], wake)
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, cerr.New(cerr.Canceled, component, ctx.Err())
		case <-wake:
		}
	}
}

func (s *Scheduler) tryDequeue(systems []string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sys := range systems {
		q := s.queues[sys]
		if len(q) == 0 {
			continue
		}
		runID := q[0]
		s.queues[sys] = q[1:]
		return Item{RunID: runID, Host: sys}, true
	}
	return Item{}, false
}

func (s *Scheduler) markRunning(ctx context.Context, runID id.ID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(StatusRunning), runID.String())
	if err != nil {
		return cerr.IOf(component, err)
	}
	return nil
}

// AddChild appends childRun to parentRun's children list and wakes any
// blocked TryGetChildren readers.
func (s *Scheduler) AddChild(ctx context.Context, parentRun, childRun id.ID) error {
	rs := s.ensureStreams(parentRun)
	rs.mu.Lock()
	seq := len(rs.children)
	rs.children = append(rs.children, childRun)
	old := rs.changed
	rs.changed = make(chan struct{})
	rs.mu.Unlock()
	close(old)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_children (parent_run, child_run, seq) VALUES (?, ?, ?)`,
		parentRun.String(), childRun.String(), seq)
	if err != nil {
		return cerr.IOf(component, err)
	}
	return nil
}

// TryGetChildren returns a snapshot of run's current children in
// insertion order.
func (s *Scheduler) TryGetChildren(runID id.ID) []id.ID {
	rs := s.ensureStreams(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]id.ID, len(rs.children))
	copy(out, rs.children)
	return out
}

// WatchChildren blocks until a new child has been appended since lastSeen
// or the run is terminal, returning the full current children slice.
func (s *Scheduler) WatchChildren(ctx context.Context, runID id.ID, lastSeen int) ([]id.ID, error) {
	rs := s.ensureStreams(runID)
	for {
		rs.mu.Lock()
		if len(rs.children) > lastSeen {
			out := append([]id.ID(nil), rs.children...)
			rs.mu.Unlock()
			return out, nil
		}
		changed := rs.changed
		done := rs.done
		rs.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, cerr.New(cerr.Canceled, component, ctx.Err())
		case <-changed:
		case <-done:
			rs.mu.Lock()
			out := append([]id.ID(nil), rs.children...)
			rs.mu.Unlock()
			return out, nil
		}
	}
}

// FinishRun sets run's terminal outcome exactly once, persists it, and
// closes its live streams so blocked readers observe termination.
func (s *Scheduler) FinishRun(ctx context.Context, runID id.ID, outcome Outcome) error {
	rs := s.ensureStreams(runID)
	rs.mu.Lock()
	if rs.outcome != nil {
		rs.mu.Unlock()
		return nil // outcome already written exactly once; idempotent no-op
	}
	rs.outcome = &outcome
	close(rs.done)
	rs.mu.Unlock()

	status := map[OutcomeKind]Status{
		OutcomeSucceeded: StatusSucceeded,
		OutcomeFailed:    StatusFailed,
		OutcomeCanceled:  StatusCanceled,
	}[outcome.Kind]

	var valueIDArg, errArg any
	if outcome.Kind == OutcomeSucceeded {
		valueIDArg = outcome.ValueID.String()
	}
	if outcome.Kind == OutcomeFailed {
		errArg = outcome.Error
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, outcome_kind = ?, outcome_value_id = ?, outcome_error = ? WHERE id = ?`,
		string(status), string(outcome.Kind), valueIDArg, errArg, runID.String())
	if err != nil {
		return cerr.IOf(component, err)
	}
	return nil
}

// CancelRun sets run's terminal outcome to Canceled if it is currently
// non-terminal. It is idempotent.
func (s *Scheduler) CancelRun(ctx context.Context, runID id.ID) error {
	return s.FinishRun(ctx, runID, Outcome{Kind: OutcomeCanceled})
}

// Done returns the channel that closes once run reaches a terminal
// outcome, for callers (the log-follow handler) that need to stop
// waiting on new data once a run can no longer produce any.
func (s *Scheduler) Done(runID id.ID) <-chan struct{} {
	rs := s.ensureStreams(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.done
}

// TryGetOutcome blocks until run is terminal, then returns its outcome.
func (s *Scheduler) TryGetOutcome(ctx context.Context, runID id.ID) (Outcome, error) {
	rs := s.ensureStreams(runID)
	rs.mu.Lock()
	if rs.outcome != nil {
		o := *rs.outcome
		rs.mu.Unlock()
		return o, nil
	}
	done := rs.done
	rs.mu.Unlock()

	select {
	case <-ctx.Done():
		return Outcome{}, cerr.New(cerr.Canceled, component, ctx.Err())
	case <-done:
		rs.mu.Lock()
		o := *rs.outcome
		rs.mu.Unlock()
		return o, nil
	}
}

// GetRun loads a run's full row.
func (s *Scheduler) GetRun(ctx context.Context, runID id.ID) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, target_id, host, status, parent_run, depth, retry_policy, created_at FROM runs WHERE id = ?`,
		runID.String())

	var idStr, fpStr, targetStr, host, statusStr, retryStr string
	var parentStr sql.NullString
	var depth int
	var createdAt int64
	if err := row.Scan(&idStr, &fpStr, &targetStr, &host, &statusStr, &parentStr, &depth, &retryStr, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, cerr.NotFoundf(component, "run %s", runID)
		}
		return Run{}, cerr.IOf(component, err)
	}

	r := Run{
		ID:          id.MustParse(idStr),
		Fingerprint: id.MustParse(fpStr),
		TargetID:    id.MustParse(targetStr),
		Host:        host,
		Status:      Status(statusStr),
		Depth:       depth,
		RetryPolicy: RetryPolicy(retryStr),
		CreatedAt:   createdAt,
	}
	if parentStr.Valid && parentStr.String != "" {
		r.ParentRun = id.MustParse(parentStr.String)
	}
	return r, nil
}
