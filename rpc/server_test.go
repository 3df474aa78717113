package rpc

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/run"
	"github.com/crucible-build/crucible/store"
	"github.com/crucible-build/crucible/target"
)

func newTestServer(t *testing.T) (*Client, store.Store, *run.Scheduler) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sched, err := run.Open(context.Background(), filepath.Join(dir, "run.db"))
	if err != nil {
		t.Fatalf("run.Open: %v", err)
	}
	t.Cleanup(func() { sched.Close() })
	logs, err := run.NewLogStore(dir)
	if err != nil {
		t.Fatalf("NewLogStore: %v", err)
	}

	srv := NewServer(s, sched, logs, "")

	socketPath := filepath.Join(dir, "socket")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(listener)
	t.Cleanup(func() { listener.Close() })

	// Give the server goroutine a moment to start accepting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", socketPath, 50*time.Millisecond); err == nil {
			conn.Close()
			break
		}
	}

	return NewUnixClient(socketPath, ""), s, sched
}

func putTestTarget(t *testing.T, s store.Store, export string) target.Target {
	t.Helper()
	ctx := context.Background()
	pkgID := id.Of(id.KindPackage, []byte("pkg-"+export))
	if err := s.Put(ctx, pkgID, []byte("pkg-"+export)); err != nil {
		t.Fatalf("put package: %v", err)
	}
	tgt := target.Target{PackageID: pkgID, ModulePath: "mod", ExportName: export}
	if err := s.Put(ctx, tgt.ID(), tgt.Encode()); err != nil {
		t.Fatalf("put target: %v", err)
	}
	return tgt
}

func TestStatusReportsVersion(t *testing.T) {
	client, _, _ := newTestServer(t)
	out, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if _, ok := out["version"]; !ok {
		t.Fatalf("status response missing version: %v", out)
	}
	if _, ok := out["uptime"]; !ok {
		t.Fatalf("status response missing uptime: %v", out)
	}
}

func TestObjectPutGetHeadRoundTrip(t *testing.T) {
	client, _, _ := newTestServer(t)
	ctx := context.Background()
	body := []byte("hello object")
	oid := id.Of(id.KindBlob, body)

	if err := client.PutObject(ctx, oid, body); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	ok, err := client.HasObject(ctx, oid)
	if err != nil || !ok {
		t.Fatalf("HasObject = %v, %v, want true, nil", ok, err)
	}
	got, err := client.GetObject(ctx, oid)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("GetObject = %q, want %q", got, body)
	}
}

func TestPutObjectWithMissingReferenceFails(t *testing.T) {
	client, _, _ := newTestServer(t)
	ctx := context.Background()
	missingRef := id.Of(id.KindBlob, []byte("nonexistent"))
	body := []byte(missingRef.String())
	oid := id.Of(id.KindDirectory, body)

	err := client.PutObject(ctx, oid, body)
	if err == nil {
		t.Fatalf("PutObject with missing reference should fail")
	}
}

func TestBuildTriggersRunAndDequeue(t *testing.T) {
	client, s, _ := newTestServer(t)
	ctx := context.Background()
	tgt := putTestTarget(t, s, "build")

	runID, err := client.Build(ctx, tgt.ID(), 0, "", "x86_64-linux")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	existing, ok, err := client.TryGetBuild(ctx, tgt.ID())
	if err != nil || !ok || !existing.Equal(runID) {
		t.Fatalf("TryGetBuild = %v, %v, %v, want %v, true, nil", existing, ok, err, runID)
	}

	item, err := client.Dequeue(ctx, []string{"x86_64-linux"})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !item.RunID.Equal(runID) {
		t.Fatalf("Dequeue run id = %v, want %v", item.RunID, runID)
	}
}

func TestLogAppendAndFetch(t *testing.T) {
	client, s, _ := newTestServer(t)
	ctx := context.Background()
	tgt := putTestTarget(t, s, "log-case")
	runID, err := client.Build(ctx, tgt.ID(), 0, "", "x86_64-linux")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := client.AppendLog(ctx, runID, []byte("line one\n")); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	got, err := client.Log(ctx, runID)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if string(got) != "line one\n" {
		t.Fatalf("Log = %q, want %q", got, "line one\n")
	}
}

func TestFollowLogStreamsAppendsUntilRunFinishes(t *testing.T) {
	client, s, _ := newTestServer(t)
	ctx := context.Background()
	tgt := putTestTarget(t, s, "follow-case")
	runID, err := client.Build(ctx, tgt.ID(), 0, "", "x86_64-linux")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := client.AppendLog(ctx, runID, []byte("line one\n")); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	var buf bytes.Buffer
	followDone := make(chan error, 1)
	go func() {
		followDone <- client.FollowLog(ctx, runID, &buf)
	}()

	// Give FollowLog time to connect and read the already-appended prefix
	// before more bytes arrive.
	time.Sleep(100 * time.Millisecond)
	if err := client.AppendLog(ctx, runID, []byte("line two\n")); err != nil {
		t.Fatalf("AppendLog 2: %v", err)
	}
	if err := client.Finish(ctx, runID, Outcome{Kind: "succeeded"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	select {
	case err := <-followDone:
		if err != nil {
			t.Fatalf("FollowLog: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("FollowLog never returned after run finished")
	}

	if got := buf.String(); got != "line one\nline two\n" {
		t.Fatalf("FollowLog captured %q, want %q", got, "line one\nline two\n")
	}
}

func TestFinishAndOutcome(t *testing.T) {
	client, s, _ := newTestServer(t)
	ctx := context.Background()
	tgt := putTestTarget(t, s, "finish-case")
	runID, err := client.Build(ctx, tgt.ID(), 0, "", "x86_64-linux")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := client.Finish(ctx, runID, Outcome{Kind: "succeeded"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	outcome, err := client.Outcome(ctx, runID)
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if outcome.Kind != "succeeded" {
		t.Fatalf("Outcome.Kind = %q, want succeeded", outcome.Kind)
	}
}

func TestAuthRejectsWrongBearerToken(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sched, err := run.Open(context.Background(), filepath.Join(dir, "run.db"))
	if err != nil {
		t.Fatalf("run.Open: %v", err)
	}
	t.Cleanup(func() { sched.Close() })
	logs, err := run.NewLogStore(dir)
	if err != nil {
		t.Fatalf("NewLogStore: %v", err)
	}
	srv := NewServer(s, sched, logs, "secret-token")

	socketPath := filepath.Join(dir, "socket")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(listener)
	t.Cleanup(func() { listener.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("unix", socketPath, 50*time.Millisecond); err == nil {
			conn.Close()
			break
		}
	}

	client := NewUnixClient(socketPath, "wrong-token")
	if _, err := client.Status(context.Background()); err == nil {
		t.Fatalf("Status with wrong bearer token should fail")
	}

	client2 := NewUnixClient(socketPath, "secret-token")
	if _, err := client2.Status(context.Background()); err != nil {
		t.Fatalf("Status with correct bearer token: %v", err)
	}

	_ = os.Remove(socketPath)
}
