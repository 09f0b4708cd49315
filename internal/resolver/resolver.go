package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchStall   = 8 * time.Second
	DefaultOverallStall = 10 * time.Second
)

// State is the acquisition phase of a pair query.
type State string

const (
	StateIdle              State = "idle"
	StateQueryingMulticall State = "querying_multicall"
	StateQueryingDirect    State = "querying_direct"
	StateComplete          State = "complete"
	StateStalled           State = "stalled"
	// StateFailed means a read returned an error before the stall timer
	// fired.
	StateFailed State = "failed"
)

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Caller is the slice of the RPC gateway the resolver reads through.
type Caller interface {
	EthCall(ctx context.Context, msg ethereum.CallMsg, block string, opts rpc.ReadOptions) ([]byte, error)
	BlockNumber(ctx context.Context, opts rpc.CallOptions) (uint64, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery, opts rpc.CallOptions) ([]types.Log, error)
}

type Config struct {
	Caller     Caller
	Deployment registry.Deployment
	Logger     Logger
	Registry   prometheus.Registerer
	// Direct is an optional wallet-provided node handle for reads.
	Direct rpc.DirectHandle
	// History is optional; without it SyncHistory always scans the lookback window.
	History      HistoryStore
	BatchStall   time.Duration
	OverallStall time.Duration
	LogWindow    uint64
	Lookback     uint64
	// OnTransition observes state changes. It must not block.
	OnTransition func(Query, State)
}

func (c *Config) validate() error {
	if c.Caller == nil {
		return errors.New("config: Caller is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Deployment.ChainID == 0 {
		return errors.New("config: Deployment is required")
	}
	return nil
}

// Resolver reads pair state through a batched multicall path with a direct
// per-field fallback, and hides which path served each field.
type Resolver struct {
	caller       Caller
	deployment   registry.Deployment
	logger       Logger
	metrics      *metrics
	direct       rpc.DirectHandle
	history      HistoryStore
	batchStall   time.Duration
	overallStall time.Duration
	logWindow    uint64
	lookback     uint64
	onTransition func(Query, State)

	tracker *Tracker[Query, PairState]
	mu      sync.Mutex
	states  map[Query]State
}

func New(cfg Config) (*Resolver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BatchStall <= 0 {
		cfg.BatchStall = DefaultBatchStall
	}
	if cfg.OverallStall <= 0 {
		cfg.OverallStall = DefaultOverallStall
	}
	if cfg.LogWindow == 0 {
		cfg.LogWindow = DefaultLogWindow
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	return &Resolver{
		caller:       cfg.Caller,
		deployment:   cfg.Deployment,
		logger:       cfg.Logger,
		metrics:      newMetrics(cfg.Registry),
		direct:       cfg.Direct,
		history:      cfg.History,
		batchStall:   cfg.BatchStall,
		overallStall: cfg.OverallStall,
		logWindow:    cfg.LogWindow,
		lookback:     cfg.Lookback,
		onTransition: cfg.OnTransition,
		tracker:      NewTracker[Query, PairState](),
		states:       map[Query]State{},
	}, nil
}

// Deployment returns the contracts the resolver reads.
func (r *Resolver) Deployment() registry.Deployment { return r.deployment }

// State returns the current phase for q; unknown queries are idle.
func (r *Resolver) State(q Query) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[q]; ok {
		return s
	}
	return StateIdle
}

// Latest returns the last committed state for q.
func (r *Resolver) Latest(q Query) (PairState, bool) {
	s, _, ok := r.tracker.Latest(q)
	return s, ok
}

// Switch makes q the active identity. In-flight queries for any other
// identity are cancelled and their results will not be committed.
func (r *Resolver) Switch(q Query) {
	r.tracker.Switch(q)
	r.mu.Lock()
	for other := range r.states {
		if other != q {
			delete(r.states, other)
		}
	}
	r.mu.Unlock()
	r.transition(q, StateIdle)
}

func (r *Resolver) transition(q Query, s State) {
	r.mu.Lock()
	r.states[q] = s
	r.mu.Unlock()
	r.logger.Debug("pair query state", "pair", q.Pair.Hex(), "account", q.Account.Hex(), "state", s)
	if r.onTransition != nil {
		r.onTransition(q, s)
	}
}

// Pair resolves balance, total supply, reserves, token0 and token1 for q.
// A superseded result is returned to the caller but not committed.
func (r *Resolver) Pair(ctx context.Context, q Query) (PairState, error) {
	if q.ChainID != r.deployment.ChainID {
		return PairState{}, clierr.New(clierr.CodeInvalidConfig,
			fmt.Sprintf("query chain %d does not match configured chain %d", q.ChainID, r.deployment.ChainID))
	}
	if q.Pair == (common.Address{}) {
		return PairState{}, clierr.New(clierr.CodeUsage, "pair address is required")
	}

	qctx, seq, done := r.tracker.Begin(ctx, q)
	defer done()
	overallCtx, cancel := context.WithTimeout(qctx, r.overallStall)
	defer cancel()

	r.transition(q, StateIdle)
	fields := fieldsFor(q)
	acc := &values{}

	if r.deployment.HasMulticall() {
		r.transition(q, StateQueryingMulticall)
		batchCtx, cancelBatch := context.WithTimeout(overallCtx, r.batchStall)
		err := r.multicall(batchCtx, q, fields, acc)
		stalled := errors.Is(batchCtx.Err(), context.DeadlineExceeded)
		cancelBatch()
		switch {
		case stalled:
			r.metrics.paths.WithLabelValues("multicall_stalled").Inc()
			r.logger.Warn("multicall stalled, falling back to direct reads", "pair", q.Pair.Hex())
		case err != nil:
			r.metrics.paths.WithLabelValues("multicall_failed").Inc()
			r.logger.Debug("multicall failed, falling back to direct reads", "pair", q.Pair.Hex(), "error", err)
		default:
			r.metrics.paths.WithLabelValues("multicall").Inc()
		}
	}

	var lastErr error
	if missing := acc.missing(fields); len(missing) > 0 {
		r.transition(q, StateQueryingDirect)
		r.metrics.paths.WithLabelValues("direct").Add(float64(len(missing)))
		lastErr = r.directReads(overallCtx, q, missing, acc)
	}

	if missing := acc.missing(fields); len(missing) > 0 {
		if qctx.Err() != nil && ctx.Err() == nil && !errors.Is(overallCtx.Err(), context.DeadlineExceeded) {
			return PairState{}, clierr.New(clierr.CodeStalled, "pair query superseded by an identity change")
		}
		if errors.Is(overallCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r.transition(q, StateStalled)
			r.metrics.stalls.Inc()
			return PairState{}, clierr.New(clierr.CodeStalled,
				fmt.Sprintf("pair state incomplete after %s (missing %v); retry", r.overallStall, missing))
		}
		r.transition(q, StateFailed)
		if lastErr != nil {
			return PairState{}, lastErr
		}
		return PairState{}, clierr.New(clierr.CodeRPCUnavailable, fmt.Sprintf("pair state incomplete (missing %v)", missing))
	}

	state := acc.state(q)
	r.transition(q, StateComplete)
	if !r.tracker.Commit(q, seq, state) {
		r.logger.Debug("discarding superseded pair result", "pair", q.Pair.Hex(), "seq", seq)
	}
	return state, nil
}

func (r *Resolver) readOptions(label string) rpc.ReadOptions {
	return rpc.ReadOptions{
		CallOptions:     rpc.CallOptions{Label: label},
		Direct:          r.direct,
		ExpectedChainID: r.deployment.ChainID,
	}
}

// directReads issues one eth_call per missing field concurrently. Every field
// is attempted; the first error is returned.
func (r *Resolver) directReads(ctx context.Context, q Query, missing []Field, acc *values) error {
	var mu sync.Mutex
	var g errgroup.Group
	for _, f := range missing {
		g.Go(func() error {
			data, err := fieldCalldata(f, q)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "encode pair call", err)
			}
			pair := q.Pair
			raw, err := r.caller.EthCall(ctx, ethereum.CallMsg{To: &pair, Data: data}, rpc.BlockLatest, r.readOptions("pair."+string(f)))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if err := acc.decode(f, raw); err != nil {
				return clierr.Wrap(clierr.CodeRPCUnavailable, "decode pair field", err)
			}
			return nil
		})
	}
	return g.Wait()
}
