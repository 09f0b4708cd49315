package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/httpx"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxInFlight = 6
	DefaultRetries     = 5
	DefaultTimeout     = 8 * time.Second
	DefaultBackoff     = 250 * time.Millisecond
	MaxBackoff         = 8 * time.Second
)

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Transport posts a request body to one endpoint and returns the raw reply.
type Transport interface {
	Post(ctx context.Context, url string, body []byte) (httpx.Response, error)
}

// Config holds the gateway's dependencies and defaults.
type Config struct {
	Endpoints   EndpointSet
	Transport   Transport
	Clock       Clock
	Logger      Logger
	Registry    prometheus.Registerer
	MaxInFlight int64
	Retries     int
	Timeout     time.Duration
	Backoff     time.Duration
	// OnHealth receives every health update. It must not block.
	OnHealth func(Health)
}

func (c *Config) validate() error {
	if c.Transport == nil {
		return errors.New("config: Transport is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// CallOptions override gateway defaults for a single call. Zero values mean
// "use the default".
type CallOptions struct {
	Timeout time.Duration
	// Retries is the number of rounds; each round tries every endpoint once.
	Retries   int
	Backoff   time.Duration
	Endpoints []string
	// Label tags the returned error for diagnostics.
	Label string
}

// Gateway delivers JSON-RPC calls to the first endpoint that answers.
type Gateway struct {
	endpoints EndpointSet
	transport Transport
	clock     Clock
	logger    Logger
	metrics   *Metrics
	sem       *semaphore.Weighted
	health    *healthState
	onHealth  func(Health)
	defaults  CallOptions
	nextID    atomic.Uint64
}

func New(cfg Config) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Gateway{
		endpoints: cfg.Endpoints,
		transport: cfg.Transport,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   NewMetrics(cfg.Registry),
		sem:       semaphore.NewWeighted(cfg.MaxInFlight),
		health:    newHealthState(),
		onHealth:  cfg.OnHealth,
		defaults: CallOptions{
			Timeout: cfg.Timeout,
			Retries: cfg.Retries,
			Backoff: cfg.Backoff,
		},
	}, nil
}

// Health returns a copy of the current health state.
func (g *Gateway) Health() Health {
	return g.health.snapshot()
}

// Endpoints returns the configured endpoint list.
func (g *Gateway) Endpoints() []string {
	return g.endpoints.URLs()
}

// Call sends method to the endpoint set, retrying in rounds with exponential
// backoff. The returned error wraps an *Error describing the last failure.
func (g *Gateway) Call(ctx context.Context, method string, params []any, opts CallOptions) (json.RawMessage, error) {
	opts = g.withDefaults(opts)
	endpoints := opts.Endpoints
	if len(endpoints) == 0 {
		endpoints = g.endpoints.URLs()
	}
	if len(endpoints) == 0 {
		last := &Error{Class: ClassRPC, Label: opts.Label, Method: method, Message: "no rpc endpoints configured"}
		g.record(Observation{Method: method, Err: last, Class: last.Class, At: g.clock.Now()})
		return nil, clierr.Wrap(clierr.CodeInvalidConfig, "no rpc endpoints configured", last)
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: g.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		last := &Error{Class: ClassRPC, Label: opts.Label, Method: method, Message: err.Error()}
		g.record(Observation{Method: method, Err: last, Class: last.Class, At: g.clock.Now()})
		return nil, clierr.Wrap(clierr.CodeInternal, "encode rpc request", last)
	}

	backoff := opts.Backoff
	var last *Error
rounds:
	for round := 0; round < opts.Retries; round++ {
		if round > 0 {
			if err := g.clock.Sleep(ctx, backoff); err != nil {
				break rounds
			}
			backoff *= 2
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
		}
		for _, endpoint := range endpoints {
			out := g.attempt(ctx, endpoint, method, body, opts.Timeout)
			if out.Kind == OutcomeSuccess {
				g.record(Observation{Endpoint: endpoint, Method: method, At: g.clock.Now()})
				return out.Result, nil
			}
			last = &Error{
				Class:    out.Class,
				Label:    opts.Label,
				Endpoint: endpoint,
				Method:   method,
				Message:  out.Message,
				Code:     out.Code,
				Data:     out.Data,
			}
			g.logger.Debug("rpc attempt failed",
				"method", method, "endpoint", endpoint, "round", round+1, "class", out.Class, "error", out.Message)
			if out.Class == ClassRevert {
				break rounds
			}
			if ctx.Err() != nil {
				break rounds
			}
		}
	}
	if last == nil {
		last = &Error{Class: ClassTimeout, Label: opts.Label, Method: method, Message: fmt.Sprintf("call abandoned: %v", ctx.Err())}
	}
	g.record(Observation{Endpoint: last.Endpoint, Method: method, Err: last, Class: last.Class, At: g.clock.Now()})
	if last.Class != ClassRevert {
		g.logger.Warn("rpc call exhausted retries", "method", method, "label", opts.Label, "class", last.Class, "error", last.Message)
	}
	return nil, wrapFailure(last)
}

func (g *Gateway) attempt(ctx context.Context, endpoint, method string, body []byte, timeout time.Duration) Outcome {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fault(ClassTimeout, "waiting for request slot: %v", err)
	}
	g.metrics.inflight.Inc()
	defer func() {
		g.metrics.inflight.Dec()
		g.sem.Release(1)
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	resp, err := g.transport.Post(attemptCtx, endpoint, body)
	if err == nil && attemptCtx.Err() != nil {
		err = attemptCtx.Err()
	}
	out := decodeAttempt(err, resp)
	g.metrics.observeAttempt(method, out, time.Since(start).Seconds())
	return out
}

func (g *Gateway) record(obs Observation) {
	h := g.health.record(obs)
	g.metrics.observeHealth(h)
	if g.onHealth != nil {
		g.onHealth(h)
	}
}

func (g *Gateway) withDefaults(opts CallOptions) CallOptions {
	if opts.Timeout <= 0 {
		opts.Timeout = g.defaults.Timeout
	}
	if opts.Retries <= 0 {
		opts.Retries = g.defaults.Retries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = g.defaults.Backoff
	}
	return opts
}

// DirectHandle is a pre-established connection to a node, typically a
// wallet-provided client. It skips the retry loop entirely.
type DirectHandle interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// ReadOptions configure ReadCall.
type ReadOptions struct {
	CallOptions
	Direct          DirectHandle
	ExpectedChainID int64
}

// ReadCall prefers the direct handle when its network identity matches the
// expected chain, and falls back to the endpoint path otherwise.
func (g *Gateway) ReadCall(ctx context.Context, method string, params []any, opts ReadOptions) (json.RawMessage, error) {
	if opts.Direct != nil {
		result, err := g.directCall(ctx, method, params, opts)
		if err == nil {
			g.record(Observation{Endpoint: "direct", Method: method, At: g.clock.Now()})
			return result, nil
		}
		g.logger.Debug("direct read failed, using endpoints", "method", method, "error", err)
	}
	return g.Call(ctx, method, params, opts.CallOptions)
}

func (g *Gateway) directCall(ctx context.Context, method string, params []any, opts ReadOptions) (json.RawMessage, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.defaults.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	chainID, err := opts.Direct.ChainID(callCtx)
	if err != nil {
		return nil, err
	}
	if chainID == nil || chainID.Cmp(big.NewInt(opts.ExpectedChainID)) != 0 {
		return nil, fmt.Errorf("direct handle on chain %v, expected %d", chainID, opts.ExpectedChainID)
	}
	if params == nil {
		params = []any{}
	}
	var raw json.RawMessage
	if err := opts.Direct.CallContext(callCtx, &raw, method, params...); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("direct handle returned empty result")
	}
	return raw, nil
}

func isTimeoutCode(err error) bool {
	return clierr.Is(err, clierr.CodeTimeout) || strings.Contains(strings.ToLower(err.Error()), "context deadline exceeded")
}
