// Package rpc implements the control-plane surface (spec.md §6.2): a
// thin HTTP/2 JSON request-routing layer over the object store and run
// scheduler. It is, per spec.md §1, explicitly a façade — every handler
// here does nothing but decode a request, call through to store.Store or
// run.Scheduler, and encode the result.
package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
	"github.com/crucible-build/crucible/run"
	"github.com/crucible-build/crucible/store"
	"github.com/crucible-build/crucible/target"
	"github.com/crucible-build/crucible/version"
)

const component = "rpc"

// Server is one bound control-plane listener. It holds no state of its
// own beyond what it needs to route requests; the store and scheduler
// own everything durable.
type Server struct {
	Store       store.Store
	Scheduler   *run.Scheduler
	LogStore    *run.LogStore
	BearerToken string // empty disables auth entirely

	startedAt time.Time
}

// NewServer wires a Server over an already-open store, scheduler, and
// log store.
func NewServer(s store.Store, sched *run.Scheduler, logs *run.LogStore, bearerToken string) *Server {
	return &Server{Store: s, Scheduler: sched, LogStore: logs, BearerToken: bearerToken, startedAt: time.Now()}
}

// Serve accepts connections on listener and blocks until it closes,
// speaking HTTP/2 in cleartext (h2c) so both the unix-domain socket and
// TCP transports spec.md §6.2 allows work identically.
func (s *Server) Serve(listener net.Listener) error {
	h2s := &http2.Server{}
	handler := h2c.NewHandler(s.mux(), h2s)
	httpServer := &http.Server{Handler: handler}
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return cerr.IOf(component, err)
	}
	return nil
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/stop", s.handleStop)
	mux.HandleFunc("POST /v1/clean", s.handleClean)

	mux.HandleFunc("HEAD /v1/objects/{id}", s.handleHeadObject)
	mux.HandleFunc("GET /v1/objects/{id}", s.handleGetObject)
	mux.HandleFunc("PUT /v1/objects/{id}", s.handlePutObject)

	mux.HandleFunc("GET /v1/targets/{id}/build", s.handleGetBuild)
	mux.HandleFunc("POST /v1/targets/{id}/build", s.handlePostBuild)

	mux.HandleFunc("GET /v1/builds/queue", s.handleDequeue)
	mux.HandleFunc("GET /v1/builds/{id}/target", s.handleBuildTarget)
	mux.HandleFunc("GET /v1/builds/{id}/children", s.handleGetChildren)
	mux.HandleFunc("POST /v1/builds/{id}/children", s.handlePostChild)
	mux.HandleFunc("GET /v1/builds/{id}/log", s.handleGetLog)
	mux.HandleFunc("POST /v1/builds/{id}/log", s.handlePostLog)
	mux.HandleFunc("GET /v1/builds/{id}/outcome", s.handleGetOutcome)
	mux.HandleFunc("POST /v1/builds/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/builds/{id}/finish", s.handleFinish)

	mux.HandleFunc("GET /v1/packages/{dep}", s.handleGetPackage)
	mux.HandleFunc("GET /v1/packages/{dep}/versions", s.handlePackageVersions)
	mux.HandleFunc("GET /v1/packages/{dep}/metadata", s.handlePackageMetadata)
	mux.HandleFunc("GET /v1/packages/{dep}/dependencies", s.handlePackageDependencies)
	mux.HandleFunc("POST /v1/packages", s.handlePutPackage)

	mux.HandleFunc("GET /v1/logins", s.handleLogins)
	mux.HandleFunc("POST /v1/logins", s.handleLogins)
	mux.HandleFunc("GET /v1/logins/{id}", s.handleLogins)
	mux.HandleFunc("POST /v1/logins/{id}", s.handleLogins)
	mux.HandleFunc("GET /v1/user", s.handleUser)

	return s.withAuth(mux)
}

// withAuth enforces the optional bearer token spec.md §6.2 describes
// ("Authentication is an optional bearer token echoed to the server").
// /v1/user additionally requires one to be present at all, matching its
// "(bearer)" annotation in the method table.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.BearerToken != "" && token != "" && token != s.BearerToken {
			writeError(w, http.StatusUnauthorized, errors.New("invalid bearer token"))
			return
		}
		if r.URL.Path == "/v1/user" && token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a cerr.Kind to the HTTP status spec.md §6.2's "Status
// codes" paragraph prescribes.
func statusFor(err error) int {
	kind, ok := cerr.Kindof(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case cerr.NotFound:
		return http.StatusNotFound
	case cerr.InvalidInput:
		return http.StatusBadRequest
	case cerr.MissingChildren:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	if missing, ok := asMissing(err); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"missing_id": missing})
		return
	}
	writeError(w, statusFor(err), err)
}

func asMissing(err error) ([]string, bool) {
	var cerrErr *cerr.Error
	if !errors.As(err, &cerrErr) || cerrErr.Kind != cerr.MissingChildren {
		return nil, false
	}
	out := make([]string, len(cerrErr.Missing))
	for i, m := range cerrErr.Missing {
		out[i] = m.String()
	}
	return out, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version.Get(),
		"uptime":  time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Clean(r.Context(), nil); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	oid, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := s.Store.Head(r.Context(), oid)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	oid, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := s.Store.Get(r.Context(), oid)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(body)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	oid, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.Put(r.Context(), oid, body); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	targetID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runID, ok := s.Scheduler.TryGetRunForTarget(targetID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID.String()})
}

func (s *Server) handlePostBuild(w http.ResponseWriter, r *http.Request) {
	targetID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := s.Store.Get(r.Context(), targetID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	tgt, err := target.DecodeTarget(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	depth := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		depth, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	policy := run.RetryNever
	if v := r.URL.Query().Get("retry"); v != "" {
		policy, err = run.ParseRetryPolicy(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	host := r.URL.Query().Get("host")
	if host == "" {
		host = defaultHostTag()
	}

	runID, err := s.Scheduler.GetOrCreateRun(r.Context(), tgt, host, id.ID{}, depth, policy)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID.String()})
}

// handleDequeue implements the worker's long-poll dequeue. Context
// cancellation (client disconnect) is the only timeout: spec.md
// describes this endpoint as blocking, not as bounded by a fixed
// duration.
func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	systemsParam := r.URL.Query().Get("systems")
	var systems []string
	if systemsParam != "" {
		systems = strings.Split(systemsParam, ",")
	}
	item, err := s.Scheduler.DequeueRun(r.Context(), systems)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": item.RunID.String(),
		"target": item.TargetID.String(),
		"host":   item.Host,
	})
}

func (s *Server) handleBuildTarget(w http.ResponseWriter, r *http.Request) {
	runID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rn, err := s.Scheduler.GetRun(r.Context(), runID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target_id": rn.TargetID.String()})
}

func (s *Server) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	runID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	seen := 0
	for {
		children, err := s.Scheduler.WatchChildren(r.Context(), runID, seen)
		if err != nil {
			return
		}
		for _, c := range children[seen:] {
			io.WriteString(w, c.String()+"\n")
		}
		seen = len(children)
		if flusher != nil {
			flusher.Flush()
		}
		rn, err := s.Scheduler.GetRun(r.Context(), runID)
		if err != nil || rn.Status.Terminal() {
			return
		}
	}
}

func (s *Server) handlePostChild(w http.ResponseWriter, r *http.Request) {
	parentRun, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		ChildID string `json:"child_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	childRun, err := id.Parse(body.ChildID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Scheduler.AddChild(r.Context(), parentRun, childRun); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	runID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if r.URL.Query().Get("follow") != "true" {
		prefix, err := s.LogStore.ReadPrefix(r.Context(), runID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(prefix)
		return
	}
	s.handleGetLogFollow(w, r, runID)
}

// handleGetLogFollow streams newly appended log bytes for runID as they
// arrive, the same live-tail shape handleGetChildren uses for a run's
// children, until the run reaches a terminal outcome or the client
// disconnects.
func (s *Server) handleGetLogFollow(w http.ResponseWriter, r *http.Request, runID id.ID) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	done := s.Scheduler.Done(runID)
	var offset int64
	for {
		chunk, next, err := s.LogStore.Tail(r.Context(), runID, offset, done)
		if err != nil {
			return
		}
		if len(chunk) > 0 {
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			offset = next
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func (s *Server) handlePostLog(w http.ResponseWriter, r *http.Request) {
	runID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.LogStore.Append(r.Context(), runID, body); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	runID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.Scheduler.TryGetOutcome(r.Context(), runID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeJSON(outcome))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Scheduler.CancelRun(r.Context(), runID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	runID, err := id.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body outcomeWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := body.toOutcome()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Scheduler.FinishRun(r.Context(), runID, outcome); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type outcomeWire struct {
	Kind    string `json:"kind"`
	ValueID string `json:"value_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func outcomeJSON(o run.Outcome) outcomeWire {
	w := outcomeWire{Kind: string(o.Kind), Error: o.Error}
	if !o.ValueID.IsZero() {
		w.ValueID = o.ValueID.String()
	}
	return w
}

func (w outcomeWire) toOutcome() (run.Outcome, error) {
	o := run.Outcome{Kind: run.OutcomeKind(w.Kind), Error: w.Error}
	if w.ValueID != "" {
		valueID, err := id.Parse(w.ValueID)
		if err != nil {
			return run.Outcome{}, err
		}
		o.ValueID = valueID
	}
	return o, nil
}

// Package/lock/login/user endpoints: per spec.md §1, package version
// resolution and registry/login glue are external collaborators; the
// core's only job is to store and retrieve the opaque objects they
// produce (lock and login/user objects are content-addressed just like
// everything else, per §6.1's identifier kinds).

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	depID, err := id.Parse(r.PathValue("dep"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := s.Store.Head(r.Context(), depID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": depID.String()})
}

// handlePackageVersions, handlePackageMetadata, and
// handlePackageDependencies all depend on a dependency-solver
// collaborator this core doesn't implement (§1 Non-goals); versions and
// dependencies report an empty list and metadata reports not-found,
// rather than fabricating data the core has no way to produce.
func (s *Server) handlePackageVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{})
}

func (s *Server) handlePackageMetadata(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handlePackageDependencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{})
}

func (s *Server) handlePutPackage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := id.Parse(body.ID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// handleLogins and handleUser are opaque pass-through per spec.md §6.2
// ("opaque") and §1 ("user-visible authentication beyond opaque
// bearer-token pass-through" is a Non-goal); this core does not interpret
// their bodies.
func (s *Server) handleLogins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{})
}

func defaultHostTag() string {
	arch := runtime.GOARCH
	if arch == "amd64" {
		arch = "x86_64"
	} else if arch == "arm64" {
		arch = "aarch64"
	}
	return arch + "-" + runtime.GOOS
}
