// Package backend implements the HTTP client for the plan-generation backend:
// job creation, job status and the aggregate project-state snapshot.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dwsmith1983/planrunner/pkg/types"
)

const (
	tracerName       = "github.com/dwsmith1983/planrunner/internal/backend"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 16 << 20
	requestIDHeader  = "X-Request-ID"
)

// API is the full set of backend operations the orchestration core consumes.
type API interface {
	CreateJob(ctx context.Context, projectID, endpoint string, body types.PhaseInput) (string, error)
	GetJob(ctx context.Context, jobID string) (types.Job, error)
	GetProjectState(ctx context.Context, projectID string) (types.ProjectState, error)
}

var _ API = (*Client)(nil)

// Client talks to the backend over HTTP. All calls pass through an optional
// rate limiter and a circuit breaker that only counts transient failures.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sets a bearer token. ${VAR} references are expanded per request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

// WithRateLimit caps outgoing requests per second. A limit <= 0 disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cl *Client) {
		if perSecond <= 0 {
			cl.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithCircuitBreaker replaces the default breaker settings.
func WithCircuitBreaker(cfg BreakerConfig) Option {
	return func(cl *Client) { cl.breaker = newBreaker(cfg, cl.logger) }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// New creates a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "planrunner",
		tracer:     otel.Tracer(tracerName),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = newBreaker(DefaultBreakerConfig(), c.logger)
	}
	return c
}

// NewFromConfig builds a Client from the backend section of planrunner.yaml.
func NewFromConfig(cfg types.BackendConfig, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend.baseUrl is required")
	}
	timeout := defaultTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("backend.timeout: invalid duration %q", cfg.Timeout)
		}
		timeout = d
	}
	breakerCfg, err := BreakerConfigFrom(cfg.Breaker)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(logger),
		WithHTTPClient(&http.Client{Timeout: timeout}),
		WithToken(cfg.Token),
		WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		WithCircuitBreaker(breakerCfg),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, WithUserAgent(cfg.UserAgent))
	}
	return New(cfg.BaseURL, opts...), nil
}

// CreateJob starts a phase job and returns its id.
func (c *Client) CreateJob(ctx context.Context, projectID, endpoint string, body types.PhaseInput) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("create job: project id is required")
	}
	if endpoint == "" || !strings.HasPrefix(endpoint, "/") {
		return "", fmt.Errorf("create job: endpoint %q must start with /", endpoint)
	}
	path := "/projects/" + url.PathEscape(projectID) + endpoint

	var out types.CreateJobResponse
	if err := c.do(ctx, "CreateJob", http.MethodPost, path, body, &out,
		attribute.String("project.id", projectID),
		attribute.String("endpoint", endpoint),
	); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("create job: response missing job_id")
	}
	return out.JobID, nil
}

// GetJob fetches the current status of a job.
func (c *Client) GetJob(ctx context.Context, jobID string) (types.Job, error) {
	if jobID == "" {
		return types.Job{}, fmt.Errorf("get job: job id is required")
	}
	var job types.Job
	if err := c.do(ctx, "GetJob", http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &job,
		attribute.String("job.id", jobID),
	); err != nil {
		return types.Job{}, err
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if !job.Status.IsValid() {
		return types.Job{}, fmt.Errorf("get job: unknown status %q", job.Status)
	}
	return job, nil
}

// GetProjectState fetches the aggregate project-state snapshot.
func (c *Client) GetProjectState(ctx context.Context, projectID string) (types.ProjectState, error) {
	if projectID == "" {
		return types.ProjectState{}, fmt.Errorf("get project state: project id is required")
	}
	var ps types.ProjectState
	if err := c.do(ctx, "GetProjectState", http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/state", nil, &ps,
		attribute.String("project.id", projectID),
	); err != nil {
		return types.ProjectState{}, err
	}
	if ps.ProjectID == "" {
		ps.ProjectID = projectID
	}
	return ps, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}, attrs ...attribute.KeyValue) error {
	ctx, span := c.tracer.Start(ctx, "backend."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()

	err := c.call(ctx, op, method, path, in, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("failure.category", string(Classify(err))))
	}
	return err
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: waiting for rate limiter: %w", op, err)
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, method, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %v", op, ErrCircuitOpen, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	reqID := ulid.Make().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, reqID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" {
		// os.ExpandEnv is intentional: operators store ${VAR} references in
		// config, resolved at runtime from the environment.
		req.Header.Set("Authorization", "Bearer "+os.ExpandEnv(c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", op, err)
	}

	c.logger.Debug("backend call", "op", op, "status", resp.StatusCode, "requestId", reqID)

	if resp.StatusCode >= 400 {
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: parsing response: %w", op, err)
	}
	return nil
}
