// ============================================================================
// cube-tasks Transport - HTTP exchange with the analysis service
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Purpose: One blocking request/response exchange per call against the three
//          task endpoints. No state, no retries.
//
// Endpoints (all POST, application/x-www-form-urlencoded, X-CSRFToken header):
//   submit         <form payload>        -> {request_id} | {msg: "ERROR"}
//   submit_single  query_id, date        -> {request_id} | {msg: "ERROR"}
//   result         query_id              -> {msg: "WAIT", result?: {scenes_processed, total_scenes}}
//                                         | {msg: "ERROR", error_msg?}
//                                         | {msg: <other>, result: {result, result_filled, data,
//                                                                   min_lat, max_lat, min_lon, max_lon}}
//
// Timeouts:
//   The client applies no timeout of its own unless Config.RequestTimeout is
//   set. Callers bound a call through its context.
//
// ============================================================================

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/cube-tasks/pkg/types"
)

// Endpoint names, also used in errors and metrics labels.
const (
	EndpointSubmit       = "submit"
	EndpointSubmitSingle = "submit_single"
	EndpointResult       = "result"
)

// CSRFHeader carries the credential on every request.
const CSRFHeader = "X-CSRFToken"

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 1 << 20

// PollStatus is the service's view of a task.
type PollStatus string

const (
	StatusWait  PollStatus = "WAIT"
	StatusDone  PollStatus = "DONE"
	StatusError PollStatus = "ERROR"
)

// Progress is the scene counter reported with WAIT.
type Progress struct {
	Processed float64
	Total     float64
}

// Percent returns processed/total*100 without clamping.
func (p Progress) Percent() float64 {
	return p.Processed / p.Total * 100
}

// PollResult is one decoded answer from the result endpoint.
type PollResult struct {
	Status   PollStatus
	Progress *Progress         // WAIT only, nil when the counters are not numeric
	Result   *types.TaskResult // DONE only
	Message  string            // ERROR only
}

// Config describes where the service lives.
type Config struct {
	BaseURL          string        // e.g. http://localhost:8000
	App              string        // e.g. custom_mosaic_tool
	SubmitPath       string        // overrides /<app>/submit
	SubmitSinglePath string        // overrides /<app>/submit_single
	ResultPath       string        // overrides /<app>/result
	RequestTimeout   time.Duration // 0 disables the client timeout
	HTTPClient       *http.Client  // optional, replaces the default client
	Logger           *slog.Logger  // optional, defaults to slog.Default() at construction
}

// Client talks to the service. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	endpoints map[string]string
	logger    *slog.Logger
}

// NewClient resolves the endpoint URLs and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transport: base url %q must be absolute", cfg.BaseURL)
	}

	resolve := func(override, name string) string {
		p := override
		if p == "" {
			p = "/" + strings.Trim(cfg.App, "/") + "/" + name
			p = strings.ReplaceAll(p, "//", "/")
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return base.String() + p
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		http:   client,
		logger: logger,
		endpoints: map[string]string{
			EndpointSubmit:       resolve(cfg.SubmitPath, EndpointSubmit),
			EndpointSubmitSingle: resolve(cfg.SubmitSinglePath, EndpointSubmitSingle),
			EndpointResult:       resolve(cfg.ResultPath, EndpointResult),
		},
	}, nil
}

// Endpoint returns the resolved URL for an endpoint name.
func (c *Client) Endpoint(name string) string {
	return c.endpoints[name]
}

// SubmitNew posts a new query and returns the task id the service assigned.
func (c *Client) SubmitNew(ctx context.Context, payload url.Values, credential string) (types.TaskID, error) {
	return c.submit(ctx, EndpointSubmit, payload, credential)
}

// SubmitSingle asks the service to process one scene of an existing task.
func (c *Client) SubmitSingle(ctx context.Context, existing types.TaskID, date, credential string) (types.TaskID, error) {
	form := url.Values{}
	form.Set("query_id", existing.String())
	form.Set("date", date)
	return c.submit(ctx, EndpointSubmitSingle, form, credential)
}

// PollStatus checks on a running task.
func (c *Client) PollStatus(ctx context.Context, id types.TaskID, credential string) (PollResult, error) {
	form := url.Values{}
	form.Set("query_id", id.String())

	var body resultBody
	if err := c.post(ctx, EndpointResult, form, credential, &body); err != nil {
		return PollResult{}, err
	}

	switch strings.ToUpper(body.Msg) {
	case string(StatusWait):
		return PollResult{Status: StatusWait, Progress: body.progress()}, nil
	case string(StatusError):
		return PollResult{Status: StatusError, Message: body.ErrorMsg}, serviceError(EndpointResult, body.ErrorMsg)
	default:
		if !hasPayload(body.Result) {
			return PollResult{}, transportError(EndpointResult, http.StatusOK, fmt.Errorf("response has no result payload"))
		}
		var r donePayload
		if err := json.Unmarshal(body.Result, &r); err != nil {
			return PollResult{}, transportError(EndpointResult, http.StatusOK, fmt.Errorf("decode result payload: %w", err))
		}
		return PollResult{
			Status: StatusDone,
			Result: &types.TaskResult{
				ImageURL:       r.Result,
				FilledImageURL: r.ResultFilled,
				DataURL:        r.Data,
				LatBounds:      [2]float64{r.MinLat.v, r.MaxLat.v},
				LonBounds:      [2]float64{r.MinLon.v, r.MaxLon.v},
			},
		}, nil
	}
}

func (c *Client) submit(ctx context.Context, endpoint string, form url.Values, credential string) (types.TaskID, error) {
	var body submitBody
	if err := c.post(ctx, endpoint, form, credential, &body); err != nil {
		return types.NoTaskID, err
	}
	if strings.EqualFold(body.Msg, string(StatusError)) {
		return types.NoTaskID, serviceError(endpoint, body.ErrorMsg)
	}
	id, ok := body.RequestID.taskID()
	if !ok {
		return types.NoTaskID, transportError(endpoint, http.StatusOK, fmt.Errorf("response has no usable request_id"))
	}
	return types.TaskID(id), nil
}

// post performs the exchange and decodes a 200 JSON body into out.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values, credential string, out interface{}) error {
	target := c.endpoints[endpoint]
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return transportError(endpoint, 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(CSRFHeader, credential)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("Request failed", "endpoint", endpoint, "error", err)
		return transportError(endpoint, 0, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Request completed",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return transportError(endpoint, resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return transportError(endpoint, resp.StatusCode, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return transportError(endpoint, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
