// Package azure implements batch.Client against the Azure Batch REST API.
package azure

import (
	"batchbridge/internal/apperrors"
	"batchbridge/internal/batch"
	"batchbridge/pkg/backoff"
	"batchbridge/pkg/circuitbreaker"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// APIVersion is the Batch service API version the client speaks.
	APIVersion = "2024-07-01.20.0"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default request rate (requests per second).
	DefaultRateLimit = 20

	// DefaultMaxRetries is how often a throttled request is retried.
	DefaultMaxRetries = 4

	// MaxTasksPerRequest is the service limit for one addtaskcollection call.
	MaxTasksPerRequest = 100

	contentType = "application/json; odata=minimalmetadata"
)

// Client talks to one Batch account.
type Client struct {
	baseURL    string
	signer     *signer
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    *backoff.Config
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
	now        func() time.Time
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit sets a custom request rate.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithRetry sets how often throttled requests are retried and the backoff between attempts.
func WithRetry(maxRetries int, cfg *backoff.Config) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = cfg
	}
}

// WithCircuitBreaker replaces the breaker that stops calls to an account
// whose endpoint keeps failing.
func WithCircuitBreaker(cfg circuitbreaker.Config) ClientOption {
	return func(c *Client) {
		c.breaker = newBreaker(cfg, c.logger)
	}
}

// NewClient creates a client for the account at accountURL.
// key is the base64 shared key shown in the account's keys blade.
func NewClient(accountURL, accountName, key string, opts ...ClientOption) (*Client, error) {
	if _, err := url.Parse(accountURL); err != nil || accountURL == "" {
		return nil, fmt.Errorf("invalid account URL %q", accountURL)
	}
	s, err := newSigner(accountName, key)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    strings.TrimRight(accountURL, "/"),
		signer:     s,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		maxRetries: DefaultMaxRetries,
		backoff:    &backoff.Config{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2},
		logger:     slog.With("component", "azure-batch", "account", accountName),
		now:        time.Now,
	}
	c.breaker = newBreaker(circuitbreaker.DefaultConfig(), c.logger)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type imageReference struct {
	Publisher string `json:"publisher"`
	Offer     string `json:"offer"`
	SKU       string `json:"sku"`
	Version   string `json:"version"`
}

type poolBody struct {
	ID                          string `json:"id"`
	VMSize                      string `json:"vmSize"`
	VirtualMachineConfiguration struct {
		ImageReference imageReference `json:"imageReference"`
		NodeAgentSKUID string         `json:"nodeAgentSKUId"`
	} `json:"virtualMachineConfiguration"`
	TargetDedicatedNodes   int `json:"targetDedicatedNodes"`
	TargetLowPriorityNodes int `json:"targetLowPriorityNodes"`
}

type poolInfo struct {
	PoolID string `json:"poolId"`
}

type jobBody struct {
	ID                   string   `json:"id"`
	PoolInfo             poolInfo `json:"poolInfo"`
	UsesTaskDependencies bool     `json:"usesTaskDependencies,omitempty"`
	OnAllTasksComplete   string   `json:"onAllTasksComplete,omitempty"`
}

type taskBody struct {
	ID             string          `json:"id"`
	CommandLine    string          `json:"commandLine"`
	DependsOn      *dependsOn      `json:"dependsOn,omitempty"`
	ExitConditions *exitConditions `json:"exitConditions,omitempty"`
}

type dependsOn struct {
	TaskIDs []string `json:"taskIds"`
}

type exitConditions struct {
	Default struct {
		DependencyAction string `json:"dependencyAction"`
	} `json:"default"`
}

type taskCollection struct {
	Value []taskBody `json:"value"`
}

type taskResult struct {
	Status string     `json:"status"`
	TaskID string     `json:"taskId"`
	Error  *errorBody `json:"error,omitempty"`
}

type jobResponse struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	PoolInfo     poolInfo  `json:"poolInfo"`
	CreationTime time.Time `json:"creationTime"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message struct {
		Value string `json:"value"`
	} `json:"message"`
}

func (c *Client) CreatePool(ctx context.Context, spec batch.PoolSpec) error {
	body := poolBody{
		ID:                     spec.ID,
		VMSize:                 spec.VMSize,
		TargetDedicatedNodes:   spec.TargetDedicatedNodes,
		TargetLowPriorityNodes: spec.TargetLowPriorityNodes,
	}
	body.VirtualMachineConfiguration.ImageReference = imageReference(spec.ImageReference)
	body.VirtualMachineConfiguration.NodeAgentSKUID = spec.NodeAgentSKUID
	return c.do(ctx, http.MethodPost, "/pools", nil, body, nil)
}

func (c *Client) CreateJob(ctx context.Context, spec batch.JobSpec) error {
	return c.do(ctx, http.MethodPost, "/jobs", nil, jobBody{
		ID:                   spec.ID,
		PoolInfo:             poolInfo{PoolID: spec.PoolID},
		UsesTaskDependencies: spec.UsesTaskDependencies,
		OnAllTasksComplete:   string(spec.OnAllTasksComplete),
	}, nil)
}

// AddTasks submits tasks in chunks of MaxTasksPerRequest. A task the service
// rejects fails the call with that task's error code.
func (c *Client) AddTasks(ctx context.Context, jobID string, tasks []batch.TaskSpec) error {
	path := "/jobs/" + url.PathEscape(jobID) + "/addtaskcollection"
	for start := 0; start < len(tasks); start += MaxTasksPerRequest {
		end := min(start+MaxTasksPerRequest, len(tasks))

		chunk := taskCollection{Value: make([]taskBody, 0, end-start)}
		for _, t := range tasks[start:end] {
			chunk.Value = append(chunk.Value, toTaskBody(t))
		}

		var resp struct {
			Value []taskResult `json:"value"`
		}
		if err := c.do(ctx, http.MethodPost, path, nil, chunk, &resp); err != nil {
			return err
		}
		for _, r := range resp.Value {
			if r.Status == "success" {
				continue
			}
			code, msg := batch.ErrorCode("TaskFailed"), r.Status
			if r.Error != nil {
				code, msg = batch.ErrorCode(r.Error.Code), r.Error.Message.Value
			}
			return batch.NewError(code, "task %s: %s", r.TaskID, msg)
		}
	}
	return nil
}

func toTaskBody(t batch.TaskSpec) taskBody {
	tb := taskBody{ID: t.ID, CommandLine: t.CommandLine}
	if len(t.DependsOn) > 0 {
		tb.DependsOn = &dependsOn{TaskIDs: t.DependsOn}
	}
	if t.SatisfyDependentsOnFailure {
		tb.ExitConditions = &exitConditions{}
		tb.ExitConditions.Default.DependencyAction = "satisfy"
	}
	return tb
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*batch.JobInfo, error) {
	var resp jobResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &batch.JobInfo{
		ID:      resp.ID,
		PoolID:  resp.PoolInfo.PoolID,
		State:   batch.JobState(resp.State),
		Created: resp.CreationTime,
	}, nil
}

func (c *Client) GetTaskFile(ctx context.Context, jobID, taskID, name string) (string, error) {
	path := "/jobs/" + url.PathEscape(jobID) + "/tasks/" + url.PathEscape(taskID) + "/files/" + url.PathEscape(name)
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *Client) DeletePool(ctx context.Context, poolID string) error {
	return c.do(ctx, http.MethodDelete, "/pools/"+url.PathEscape(poolID), nil, nil, nil)
}

// Ping lists at most one pool to check credentials and reachability.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"maxresults": {"1"}, "$select": {"id"}}
	return c.do(ctx, http.MethodGet, "/pools", q, nil, nil)
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do sends one logical request, retrying throttled and unavailable responses.
// out may be nil, a *bytes.Buffer for raw content, or a JSON target.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	for attempt := 0; ; attempt++ {
		err := c.breaker.Execute(func() error {
			return c.once(ctx, method, path, query, payload, out)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return apperrors.Unavailable(method+" "+path, err)
		}
		if err == nil || !batch.Retryable(err) || attempt >= c.maxRetries {
			return err
		}
		c.logger.Warn("Batch request throttled, retrying", "method", method, "path", path, "attempt", attempt+1, "error", err)
		if err := backoff.Sleep(ctx, attempt+1, c.backoff); err != nil {
			return err
		}
	}
}

func newBreaker(cfg circuitbreaker.Config, logger *slog.Logger) *circuitbreaker.Breaker {
	cfg.IsFailure = endpointFailure
	cfg.OnStateChange = func(_ string, from, to circuitbreaker.State) {
		logger.Warn("Batch account circuit changed", "from", from.String(), "to", to.String())
	}
	return circuitbreaker.New(cfg)
}

// endpointFailure reports whether err means the account endpoint is unhealthy
// rather than the request being rejected.
func endpointFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var be *batch.Error
	if !errors.As(err, &be) {
		return true
	}
	return batch.Retryable(err) || be.StatusCode >= 500
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("api-version", APIVersion)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("ocp-date", c.now().UTC().Format(http.TimeFormat))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	c.signer.sign(req, len(payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	switch o := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(o, resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	be := &batch.Error{StatusCode: resp.StatusCode}

	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Code != "" {
		be.Code = batch.ErrorCode(eb.Code)
		be.Message = eb.Message.Value
		return be
	}
	be.Code = batch.ErrorCode(http.StatusText(resp.StatusCode))
	be.Message = strings.TrimSpace(string(data))
	return be
}

var _ batch.Client = (*Client)(nil)
