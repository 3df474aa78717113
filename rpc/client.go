package rpc

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/http2"

	"github.com/crucible-build/crucible/cerr"
	"github.com/crucible-build/crucible/id"
)

// Client talks to a Server over HTTP/2, either via a unix-domain socket
// (spec.md §6.5 "socket") or a TCP address (spec.md §6.2 "Unix-domain or
// TCP").
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewUnixClient dials the control-plane socket at socketPath.
func NewUnixClient(socketPath, bearerToken string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		baseURL: "http://crucible",
		token:   bearerToken,
	}
}

// NewTCPClient dials the control-plane over TCP at addr ("host:port").
func NewTCPClient(addr, bearerToken string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, a string, cfg *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "tcp", addr)
				},
			},
		},
		baseURL: "http://" + addr,
		token:   bearerToken,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, cerrWrap(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, cerrWrap(err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if respBody != nil {
		return json.NewDecoder(resp.Body).Decode(respBody)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error     string   `json:"error"`
		MissingID []string `json:"missing_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if len(body.MissingID) > 0 {
		missing := make([]id.ID, 0, len(body.MissingID))
		for _, m := range body.MissingID {
			if mid, err := id.Parse(m); err == nil {
				missing = append(missing, mid)
			}
		}
		return cerr.Missing(component, missing)
	}
	if body.Error != "" {
		return fmt.Errorf("rpc: %s (HTTP %d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("rpc: HTTP %d", resp.StatusCode)
}

func cerrWrap(err error) error { return fmt.Errorf("rpc: %w", err) }

// Status reports the server's version and uptime.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/stop", nil, nil)
}

func (c *Client) Clean(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/clean", nil, nil)
}

// HasObject reports whether an object is present in the remote store.
func (c *Client) HasObject(ctx context.Context, oid id.ID) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/v1/objects/"+oid.String(), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// GetObject fetches an object's raw bytes.
func (c *Client) GetObject(ctx context.Context, oid id.ID) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/objects/"+oid.String(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// PutObject uploads an object's raw bytes. A MissingChildren error
// (spec.md §7) carries the still-missing referenced identifiers so the
// caller can put those first and retry.
func (c *Client) PutObject(ctx context.Context, oid id.ID, body []byte) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/objects/"+oid.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return nil
}

// TryGetBuild returns the run id already associated with targetID, if
// any.
func (c *Client) TryGetBuild(ctx context.Context, targetID id.ID) (id.ID, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/targets/"+targetID.String()+"/build", nil)
	if err != nil {
		return id.ID{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return id.ID{}, false, nil
	}
	if resp.StatusCode >= 400 {
		return id.ID{}, false, decodeError(resp)
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return id.ID{}, false, err
	}
	runID, err := id.Parse(out.RunID)
	return runID, err == nil, err
}

// Build requests that targetID be built, returning its run id.
func (c *Client) Build(ctx context.Context, targetID id.ID, depth int, retry, host string) (id.ID, error) {
	path := fmt.Sprintf("/v1/targets/%s/build?depth=%d", targetID.String(), depth)
	if retry != "" {
		path += "&retry=" + retry
	}
	if host != "" {
		path += "&host=" + host
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return id.ID{}, err
	}
	return id.Parse(out.RunID)
}

// DequeueItem is one unit of work a worker receives from Dequeue.
type DequeueItem struct {
	RunID    id.ID
	TargetID id.ID
	Host     string
}

// Dequeue long-polls for the next queued run whose host is in systems.
func (c *Client) Dequeue(ctx context.Context, systems []string) (DequeueItem, error) {
	path := "/v1/builds/queue"
	if len(systems) > 0 {
		path += "?systems=" + strings.Join(systems, ",")
	}
	var out struct {
		RunID  string `json:"run_id"`
		Target string `json:"target"`
		Host   string `json:"host"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return DequeueItem{}, err
	}
	runID, err := id.Parse(out.RunID)
	if err != nil {
		return DequeueItem{}, err
	}
	targetID, err := id.Parse(out.Target)
	if err != nil {
		return DequeueItem{}, err
	}
	return DequeueItem{RunID: runID, TargetID: targetID, Host: out.Host}, nil
}

func (c *Client) BuildTarget(ctx context.Context, runID id.ID) (id.ID, error) {
	var out struct {
		TargetID string `json:"target_id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/builds/"+runID.String()+"/target", nil, &out); err != nil {
		return id.ID{}, err
	}
	return id.Parse(out.TargetID)
}

// Children streams runID's child run ids, one per line, until the
// connection is closed by the server (the run reached a terminal
// state) or ctx is canceled.
func (c *Client) Children(ctx context.Context, runID id.ID) (<-chan id.ID, <-chan error) {
	out := make(chan id.ID)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		resp, err := c.do(ctx, http.MethodGet, "/v1/builds/"+runID.String()+"/children", nil)
		if err != nil {
			errc <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			errc <- decodeError(resp)
			return
		}
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			childID, err := id.Parse(scanner.Text())
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- childID:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- scanner.Err()
	}()
	return out, errc
}

func (c *Client) AddChild(ctx context.Context, parentRun, childRun id.ID) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/builds/"+parentRun.String()+"/children",
		map[string]string{"child_id": childRun.String()}, nil)
}

// Log fetches the full log currently recorded for runID.
func (c *Client) Log(ctx context.Context, runID id.ID) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/builds/"+runID.String()+"/log", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// FollowLog streams runID's log to w as new bytes are appended, returning
// once the server closes the connection (the run reached a terminal
// state) or ctx is canceled.
func (c *Client) FollowLog(ctx context.Context, runID id.ID, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/builds/"+runID.String()+"/log?follow=true", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) AppendLog(ctx context.Context, runID id.ID, p []byte) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/builds/"+runID.String()+"/log", bytes.NewReader(p))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return nil
}

// Outcome is the run's terminal result as the wire protocol represents
// it.
type Outcome struct {
	Kind    string
	ValueID string
	Error   string
}

func (c *Client) Outcome(ctx context.Context, runID id.ID) (Outcome, error) {
	var out outcomeWire
	if err := c.doJSON(ctx, http.MethodGet, "/v1/builds/"+runID.String()+"/outcome", nil, &out); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: out.Kind, ValueID: out.ValueID, Error: out.Error}, nil
}

func (c *Client) Cancel(ctx context.Context, runID id.ID) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/builds/"+runID.String()+"/cancel", nil, nil)
}

func (c *Client) Finish(ctx context.Context, runID id.ID, outcome Outcome) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/builds/"+runID.String()+"/finish",
		outcomeWire{Kind: outcome.Kind, ValueID: outcome.ValueID, Error: outcome.Error}, nil)
}
