package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/dexkit/internal/cache"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/httpx"
	"github.com/ggonzalez94/dexkit/internal/planner"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/resolver"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/prometheus/client_golang/prometheus"
)

// stack is the per-invocation chain layer: one gateway shared by the
// resolver and the planner.
type stack struct {
	deployment registry.Deployment
	gateway    *rpc.Gateway
	resolver   *resolver.Resolver
	planner    *planner.Planner
	cache      *cache.Store
	direct     *ethclient.Client
	metrics    *prometheus.Registry
}

func (s *runtimeState) chain(ctx context.Context) (*stack, error) {
	if s.stack != nil {
		return s.stack, nil
	}
	settings := s.settings

	deployment, ok := registry.LookupDeployment(settings.ChainID)
	if !ok {
		deployment = registry.Deployment{ChainID: settings.ChainID, Name: fmt.Sprintf("chain-%d", settings.ChainID)}
	}
	c := settings.Contracts
	deployment = deployment.Override(c.Factory, c.Router, c.WrappedNative, c.Multicall, c.FeeRegistry)
	if deployment.Factory == (common.Address{}) || deployment.Router == (common.Address{}) {
		return nil, clierr.New(clierr.CodeInvalidConfig, fmt.Sprintf("no exchange deployment for chain %d; set contracts.factory and contracts.router", settings.ChainID))
	}

	client := httpx.New(settings.Timeout, settings.Retries)
	var remote []string
	if settings.RemoteConfigURL != "" {
		urls, err := rpc.FetchRemoteEndpoints(ctx, client, settings.RemoteConfigURL)
		if err != nil {
			s.logger.Warn("remote endpoint config unavailable", "url", settings.RemoteConfigURL, "error", err)
		}
		remote = urls
	}
	endpoints := rpc.BuildEndpointSet(remote, settings.RPCURLs, registry.DefaultRPCURLs(settings.ChainID))
	if endpoints.Len() == 0 {
		return nil, clierr.New(clierr.CodeInvalidConfig, fmt.Sprintf("no RPC endpoints for chain %d; set DEXKIT_RPC_URL or --rpc-url", settings.ChainID))
	}

	st := &stack{deployment: deployment, metrics: prometheus.NewRegistry()}
	gateway, err := rpc.New(rpc.Config{
		Endpoints:   endpoints,
		Transport:   client,
		Logger:      s.logger.With("component", "rpc"),
		Registry:    st.metrics,
		MaxInFlight: settings.MaxInFlight,
		Retries:     settings.Retries,
		Timeout:     settings.Timeout,
		Backoff:     settings.Backoff,
		OnHealth:    s.bus.PublishHealth,
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidConfig, "build rpc gateway", err)
	}
	st.gateway = gateway

	var direct rpc.DirectHandle
	if settings.DirectRPCURL != "" {
		ec, err := ethclient.DialContext(ctx, settings.DirectRPCURL)
		if err != nil {
			s.logger.Warn("direct node unavailable, using endpoints", "error", err)
		} else {
			st.direct = ec
			direct = rpc.EthclientHandle(ec)
		}
	}

	var history resolver.HistoryStore
	if settings.CacheEnabled {
		store, err := cache.Open(settings.CachePath, settings.CacheLockPath)
		if err != nil {
			st.close()
			return nil, clierr.Wrap(clierr.CodeInternal, "open cache", err)
		}
		if err := store.Prune(settings.CacheRetention); err != nil {
			s.logger.Warn("prune cache", "error", err)
		}
		st.cache = store
		history = store
	}

	res, err := resolver.New(resolver.Config{
		Caller:       gateway,
		Deployment:   deployment,
		Logger:       s.logger.With("component", "resolver"),
		Registry:     st.metrics,
		Direct:       direct,
		History:      history,
		BatchStall:   settings.BatchStall,
		OverallStall: settings.OverallStall,
		LogWindow:    settings.LogWindow,
		Lookback:     settings.Lookback,
		OnTransition: func(q resolver.Query, state resolver.State) {
			s.logger.Debug("pair query", "pair", q.Pair.Hex(), "state", state)
		},
	})
	if err != nil {
		st.close()
		return nil, clierr.Wrap(clierr.CodeInvalidConfig, "build resolver", err)
	}
	st.resolver = res

	feeTokens, err := parseAddressList("fee token", settings.FeeTokens)
	if err != nil {
		st.close()
		return nil, err
	}
	plan, err := planner.New(planner.Config{
		Chain:      gateway,
		Deployment: deployment,
		Logger:     s.logger.With("component", "planner"),
		Reserves:   res,
		Registry:   st.metrics,
		Diag:       s.bus,
		Now:        s.runner.now,
		TTL:        settings.TTL,
		FeeBps:     settings.FeeBps,
		FeeTokens:  feeTokens,
	})
	if err != nil {
		st.close()
		return nil, clierr.Wrap(clierr.CodeInvalidConfig, "build planner", err)
	}
	st.planner = plan

	s.stack = st
	return st, nil
}

func (st *stack) close() {
	if st.cache != nil {
		_ = st.cache.Close()
	}
	if st.direct != nil {
		st.direct.Close()
	}
}

// gatherMetrics flattens counters and gauges into "name,label=value" keys.
func (st *stack) gatherMetrics() map[string]float64 {
	families, err := st.metrics.Gather()
	if err != nil {
		return nil
	}
	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			sort.Strings(labels)
			key := strings.Join(append([]string{mf.GetName()}, labels...), ",")
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key+",count"] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}
