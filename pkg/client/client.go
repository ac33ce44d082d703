// Package client is the JSON-over-HTTP client for the node, coordinator, and
// sync-time APIs. The coordinator fans out through it, the CLI drives clusters
// with it, and the sync monitor uses it as its master clock source.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pitchside/rig/pkg/timesync"
	"github.com/pitchside/rig/pkg/types"
)

// Identity headers let a receiving node reverse-learn the caller into its
// peer registry.
const (
	headerNodeID   = "X-Rig-Node-Id"
	headerEndpoint = "X-Rig-Endpoint"
)

// Node talks to one node's control API.
type Node struct {
	baseURL      string
	http         *http.Client
	selfID       string
	selfEndpoint string
}

// NewNode builds a client for the node at endpoint ("host:port" or a full
// URL). The timeout bounds every call issued without an explicit deadline; a
// zero timeout leaves deadlines entirely to the per-call context.
func NewNode(endpoint string, timeout time.Duration) *Node {
	return &Node{
		baseURL: normalize(endpoint),
		http:    &http.Client{Timeout: timeout},
	}
}

// WithIdentity stamps every request with this node's identity so the callee
// can reverse-learn the caller.
func (c *Node) WithIdentity(nodeID, endpoint string) *Node {
	c.selfID = nodeID
	c.selfEndpoint = endpoint
	return c
}

// CallerIdentity extracts the reverse-learning headers from a request, if the
// caller attached them.
func CallerIdentity(r *http.Request) (nodeID, endpoint string, ok bool) {
	nodeID = r.Header.Get(headerNodeID)
	endpoint = r.Header.Get(headerEndpoint)
	return nodeID, endpoint, nodeID != ""
}

func normalize(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	return "http://" + endpoint
}

// Endpoint returns the base URL this client targets.
func (c *Node) Endpoint() string { return c.baseURL }

// do issues one JSON request and decodes the response into out (when
// non-nil). Transport-level failures map to ErrPeerUnreachable; API errors
// map onto the shared error taxonomy by status code.
func (c *Node) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.selfID != "" {
		req.Header.Set(headerNodeID, c.selfID)
		req.Header.Set(headerEndpoint, c.selfEndpoint)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout()) ||
			isConnectionError(err) {
			return fmt.Errorf("%w: %s: %v", types.ErrPeerUnreachable, c.baseURL, err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isConnectionError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		if errors.As(urlErr.Err, &opErr) {
			return true
		}
	}
	return false
}

func decodeAPIError(resp *http.Response) error {
	var e types.ErrorResponse
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		msg = e.Error
	}

	switch resp.StatusCode {
	case http.StatusPreconditionFailed, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", types.ErrPrecondition, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", types.ErrInvalidTransition, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, msg)
	default:
		return fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}
}

// Status fetches the node's local state.
func (c *Node) Status(ctx context.Context) (types.NodeState, error) {
	var st types.NodeState
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Preflight runs the node's local admission checks.
func (c *Node) Preflight(ctx context.Context) (types.NodePreflight, error) {
	var pf types.NodePreflight
	err := c.do(ctx, http.MethodGet, "/preflight", nil, &pf)
	return pf, err
}

// Arm reserves a recording file for the session.
func (c *Node) Arm(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/arm", map[string]string{"session_id": sessionID}, nil)
}

// Start enters RECORDING and returns the node-local start timestamp.
func (c *Node) Start(ctx context.Context) (time.Time, error) {
	var resp struct {
		StartedAt time.Time `json:"started_at"`
	}
	err := c.do(ctx, http.MethodPost, "/start", nil, &resp)
	return resp.StartedAt, err
}

// Stop finalizes the recording and returns its summary.
func (c *Node) Stop(ctx context.Context, sessionID string) (*types.Recording, error) {
	var rec types.Recording
	body := map[string]string{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	if err := c.do(ctx, http.MethodPost, "/stop", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Abort returns an armed node to IDLE.
func (c *Node) Abort(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/abort", nil, nil)
}

// TriggerSync forces a sync pass and returns the measured offset.
func (c *Node) TriggerSync(ctx context.Context) (types.SyncResult, error) {
	var res types.SyncResult
	err := c.do(ctx, http.MethodPost, "/sync/trigger", nil, &res)
	return res, err
}

// SelfTest runs the node's fixed-duration recording self-check.
func (c *Node) SelfTest(ctx context.Context) (types.SelfTestResult, error) {
	var res types.SelfTestResult
	err := c.do(ctx, http.MethodPost, "/selftest", nil, &res)
	return res, err
}

// QueryTime reads the node's clock; implements timesync.Source against the
// master node.
func (c *Node) QueryTime(ctx context.Context) (recv, send time.Time, err error) {
	var resp timesync.TimeResponse
	if err := c.do(ctx, http.MethodGet, "/sync/time", nil, &resp); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return time.Unix(0, resp.RecvNs), time.Unix(0, resp.SendNs), nil
}

// Coordinator operations: the same shape exists on every node.

// ClusterStatus fetches the aggregate cluster view.
func (c *Node) ClusterStatus(ctx context.Context) (types.ClusterStatus, error) {
	var st types.ClusterStatus
	err := c.do(ctx, http.MethodGet, "/coordinator/status", nil, &st)
	return st, err
}

// ClusterPreflight runs preflight on every reachable node.
func (c *Node) ClusterPreflight(ctx context.Context) (types.PreflightReport, error) {
	var rep types.PreflightReport
	err := c.do(ctx, http.MethodPost, "/coordinator/preflight", nil, &rep)
	return rep, err
}

// ClusterStart runs the two-phase cluster start.
func (c *Node) ClusterStart(ctx context.Context, sessionID string) (types.ClusterStartResult, error) {
	var res types.ClusterStartResult
	body := map[string]string{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	err := c.do(ctx, http.MethodPost, "/coordinator/start", body, &res)
	return res, err
}

// ClusterStop stops every recording node.
func (c *Node) ClusterStop(ctx context.Context) (types.ClusterStopResult, error) {
	var res types.ClusterStopResult
	err := c.do(ctx, http.MethodPost, "/coordinator/stop", nil, &res)
	return res, err
}

// ClusterSync triggers a sync pass on every node.
func (c *Node) ClusterSync(ctx context.Context) (map[string]types.SyncResult, error) {
	var res map[string]types.SyncResult
	err := c.do(ctx, http.MethodPost, "/coordinator/sync", nil, &res)
	return res, err
}

// ClusterTest runs the end-to-end self-check on every node.
func (c *Node) ClusterTest(ctx context.Context) (map[string]types.SelfTestResult, error) {
	var res map[string]types.SelfTestResult
	err := c.do(ctx, http.MethodPost, "/coordinator/test", nil, &res)
	return res, err
}

// Peers lists the registry entries.
func (c *Node) Peers(ctx context.Context) ([]types.Peer, error) {
	var peers []types.Peer
	err := c.do(ctx, http.MethodGet, "/coordinator/peers", nil, &peers)
	return peers, err
}

// AddPeer registers an admin-entered peer.
func (c *Node) AddPeer(ctx context.Context, p types.Peer) error {
	return c.do(ctx, http.MethodPost, "/coordinator/peers", p, nil)
}

// RemovePeer deletes a registry entry.
func (c *Node) RemovePeer(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/coordinator/peers/"+nodeID, nil, nil)
}
