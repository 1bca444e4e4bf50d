package defiflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Intent compilation waits on a model, so it is longer
// than a plain REST round trip.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the DefiFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// NewClient instantiates a client for the DefiFlow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request. An empty
// token disables the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Graph returns the current workflow.
func (c *Client) Graph(ctx context.Context) (Graph, error) {
	var g Graph
	err := c.call(ctx, http.MethodGet, "/api/v1/graph", nil, &g)
	return g, err
}

// ReplaceGraph installs nodes and edges atomically.
func (c *Client) ReplaceGraph(ctx context.Context, g Graph) (Graph, error) {
	var out Graph
	err := c.call(ctx, http.MethodPut, "/api/v1/graph", Graph{Nodes: g.Nodes, Edges: g.Edges}, &out)
	return out, err
}

// ResetGraph removes every node and edge.
func (c *Client) ResetGraph(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/graph", nil, nil)
}

// Validate checks whether the current graph can be started.
func (c *Client) Validate(ctx context.Context) (Validation, error) {
	var v Validation
	err := c.call(ctx, http.MethodPost, "/api/v1/graph/validate", nil, &v)
	return v, err
}

// AddNode places a new node.
func (c *Client) AddNode(ctx context.Context, spec NodeSpec) (Node, error) {
	var n Node
	err := c.call(ctx, http.MethodPost, "/api/v1/graph/nodes", spec, &n)
	return n, err
}

// RemoveNode deletes a node together with its edges.
func (c *Client) RemoveNode(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/graph/nodes/"+url.PathEscape(id), nil, nil)
}

// PatchConfig merges fields into a node's configuration.
func (c *Client) PatchConfig(ctx context.Context, id string, patch map[string]any) (Node, error) {
	var n Node
	err := c.call(ctx, http.MethodPatch, "/api/v1/graph/nodes/"+url.PathEscape(id)+"/config", patch, &n)
	return n, err
}

// Connect adds an edge from source to target.
func (c *Client) Connect(ctx context.Context, source, target string) (Edge, error) {
	var e Edge
	err := c.call(ctx, http.MethodPost, "/api/v1/graph/edges", Edge{Source: source, Target: target}, &e)
	return e, err
}

// RemoveEdge deletes an edge.
func (c *Client) RemoveEdge(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/graph/edges/"+url.PathEscape(id), nil, nil)
}

// CompileIntent asks the server to turn text into a graph. A nil priceHint
// uses the engine's latest price.
func (c *Client) CompileIntent(ctx context.Context, text string, priceHint *float64) (IntentResult, error) {
	body := struct {
		Text      string   `json:"text"`
		PriceHint *float64 `json:"price_hint,omitempty"`
	}{Text: text, PriceHint: priceHint}
	var res IntentResult
	err := c.call(ctx, http.MethodPost, "/api/v1/intent", body, &res)
	return res, err
}

// ConnectWallet establishes the session and returns its address.
func (c *Client) ConnectWallet(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/wallet/connect", nil, &out)
	return out.Address, err
}

// Status returns the current run state.
func (c *Client) Status(ctx context.Context) (RunStatus, error) {
	var s RunStatus
	err := c.call(ctx, http.MethodGet, "/api/v1/run", nil, &s)
	return s, err
}

// Start begins monitoring.
func (c *Client) Start(ctx context.Context) (RunStatus, error) {
	return c.control(ctx, "start")
}

// Stop ends monitoring. It fails while a run is executing.
func (c *Client) Stop(ctx context.Context) (RunStatus, error) {
	return c.control(ctx, "stop")
}

// Dismiss acknowledges a finished run and returns the engine to idle.
func (c *Client) Dismiss(ctx context.Context) (RunStatus, error) {
	return c.control(ctx, "dismiss")
}

func (c *Client) control(ctx context.Context, op string) (RunStatus, error) {
	var s RunStatus
	err := c.call(ctx, http.MethodPost, "/api/v1/run/"+op, nil, &s)
	return s, err
}

// Price returns the latest observed price.
func (c *Client) Price(ctx context.Context) (Price, error) {
	var p Price
	err := c.call(ctx, http.MethodGet, "/api/v1/price", nil, &p)
	return p, err
}

// Runs lists recent runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	endpoint := "/api/v1/runs"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out []RunRecord
	err := c.call(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// Run fetches one run record.
func (c *Client) Run(ctx context.Context, id string) (RunRecord, error) {
	var r RunRecord
	err := c.call(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &r)
	return r, err
}

// Chains returns the status of configured chains.
func (c *Client) Chains(ctx context.Context) ([]ChainStatus, error) {
	var out []ChainStatus
	err := c.call(ctx, http.MethodGet, "/api/v1/chains", nil, &out)
	return out, err
}

// Watch streams run events to fn until ctx ends, the stream closes or fn
// returns an error. replay asks the server to resend that many past events.
func (c *Client) Watch(ctx context.Context, replay int, fn func(Event) error) error {
	endpoint := "/api/v1/events"
	if replay > 0 {
		endpoint += "?replay=" + strconv.Itoa(replay)
	}
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// 事件流不受默认超时限制。
	stream := *c.httpClient
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "" && data.Len() > 0:
			var ev Event
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, rel.Path)
	u.RawQuery = rel.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr})
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
