package app

import (
	"fmt"

	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/model"
	"github.com/ggonzalez94/dexkit/internal/resolver"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the RPC endpoints and report connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			chainID, err := st.gateway.ChainID(ctx, rpc.CallOptions{Label: "health.chain_id"})
			if err != nil {
				return err
			}
			if chainID != s.settings.ChainID {
				return clierr.New(clierr.CodeInvalidConfig, fmt.Sprintf("endpoints serve chain %d, configured chain is %d", chainID, s.settings.ChainID))
			}
			height, err := st.gateway.BlockNumber(ctx, rpc.CallOptions{Label: "health.block_number"})
			if err != nil {
				return err
			}
			report := model.HealthReport{
				ChainID:     chainID,
				BlockNumber: height,
				Deployment:  st.deployment.Name,
				Endpoints:   st.gateway.Endpoints(),
				Status:      string(st.gateway.Health().Status),
				CheckedAt:   s.runner.now().UTC(),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, nil)
		},
	}
}

func (s *runtimeState) newPairCommand() *cobra.Command {
	var tokenA, tokenB string
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Look up the pair address for two tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, b, err := s.tokenPair(tokenA, tokenB)
			if err != nil {
				return err
			}
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			pair, found, err := st.resolver.GetPair(ctx, a, b)
			if err != nil {
				return err
			}
			lookup := model.PairLookup{
				ChainID: s.settings.ChainID,
				TokenA:  a.Address.Hex(),
				TokenB:  b.Address.Hex(),
				Exists:  found,
			}
			var warnings []string
			if found {
				lookup.Pair = pair.Hex()
			} else {
				warnings = append(warnings, "factory has no pair for these tokens")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), lookup, warnings)
		},
	}
	cmd.Flags().StringVar(&tokenA, "token-a", "", "First token address")
	cmd.Flags().StringVar(&tokenB, "token-b", "", "Second token address")
	return cmd
}

func (s *runtimeState) newReservesCommand() *cobra.Command {
	var tokenA, tokenB, account string
	cmd := &cobra.Command{
		Use:   "reserves",
		Short: "Read pair state and reserves in the given token order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, b, err := s.tokenPair(tokenA, tokenB)
			if err != nil {
				return err
			}
			owner, err := parseOptionalAddress("account", account)
			if err != nil {
				return err
			}
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			state, reserves, err := st.resolver.Reserves(ctx, a, b, owner)
			if err != nil {
				return err
			}
			query := resolver.Query{ChainID: state.ChainID, Pair: state.Pair, Account: owner}
			report := model.ReservesReport{
				Pair:     state,
				ReserveA: reserves.ReserveA.Dec(),
				ReserveB: reserves.ReserveB.Dec(),
				State:    string(st.resolver.State(query)),
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, nil)
		},
	}
	cmd.Flags().StringVar(&tokenA, "token-a", "", "First token address")
	cmd.Flags().StringVar(&tokenB, "token-b", "", "Second token address")
	cmd.Flags().StringVar(&account, "account", "", "Also read this account's LP balance")
	return cmd
}

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	var pair string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Scan a pair's Sync events, resuming from the cached checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("pair", pair)
			if err != nil {
				return err
			}
			ctx := s.context(cmd)
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			result, err := st.resolver.SyncHistory(ctx, addr)
			if err != nil {
				return err
			}
			var warnings []string
			if st.cache == nil {
				warnings = append(warnings, "cache disabled; scan does not resume across runs")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, warnings)
		},
	}
	cmd.Flags().StringVar(&pair, "pair", "", "Pair address")
	return cmd
}
