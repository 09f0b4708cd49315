package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/journal"
	"github.com/ggonzalez94/dexkit/internal/planner"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/spf13/cobra"
)

func (s *runtimeState) openJournal() (*journal.Store, error) {
	if s.journal != nil {
		return s.journal, nil
	}
	store, err := journal.Open(s.settings.JournalPath, s.settings.JournalLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open transaction journal", err)
	}
	s.journal = store
	return store, nil
}

// record journals a broadcast. Failures before broadcast carry no hash and
// are skipped; journal errors only log.
func (s *runtimeState) record(ctx context.Context, operation string, plan any, sub planner.Submission, submitErr error) {
	if sub.TxHash == (common.Hash{}) {
		return
	}
	rec := journal.Record{
		TxHash:      sub.TxHash,
		ChainID:     s.settings.ChainID,
		Operation:   operation,
		From:        sub.From,
		To:          sub.To,
		Nonce:       sub.Nonce,
		Status:      journalStatus(sub.Status),
		BlockNumber: sub.BlockNumber,
		GasUsed:     sub.GasUsed,
	}
	if submitErr != nil {
		rec.Error = submitErr.Error()
	}
	if raw, err := json.Marshal(plan); err == nil {
		rec.Plan = raw
	}
	store, err := s.openJournal()
	if err == nil {
		err = store.Save(ctx, rec)
	}
	if err != nil {
		s.logger.Warn("journal submission", "hash", sub.TxHash.Hex(), "error", err)
	}
}

func journalStatus(status planner.SubmissionStatus) journal.Status {
	switch status {
	case planner.StatusConfirmed:
		return journal.StatusConfirmed
	case planner.StatusReverted:
		return journal.StatusReverted
	case planner.StatusSubmitted:
		return journal.StatusSubmitted
	default:
		return journal.StatusFailed
	}
}

func (s *runtimeState) newTxCommand() *cobra.Command {
	root := &cobra.Command{Use: "tx", Short: "Inspect journaled submissions"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled submissions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := journal.Status(strings.ToLower(strings.TrimSpace(status)))
			switch filter {
			case "", journal.StatusSubmitted, journal.StatusConfirmed, journal.StatusReverted, journal.StatusFailed:
			default:
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("--status must be submitted, confirmed, reverted or failed, got %q", status))
			}
			if limit <= 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be positive")
			}
			store, err := s.openJournal()
			if err != nil {
				return err
			}
			records, err := store.List(s.context(cmd), filter, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list submissions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), records, nil)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Only show this status")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")

	var hash string
	show := &cobra.Command{
		Use:   "status",
		Short: "Show a submission, polling its receipt while pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			txHash, err := parseHash("hash", hash)
			if err != nil {
				return err
			}
			store, err := s.openJournal()
			if err != nil {
				return err
			}
			ctx := s.context(cmd)
			rec, err := store.Get(ctx, txHash)
			if errors.Is(err, journal.ErrNotFound) {
				return clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("no journaled submission %s", txHash.Hex()), err)
			}
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "read submission", err)
			}
			if rec.Status != journal.StatusSubmitted {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), rec, nil)
			}
			if rec.ChainID != s.settings.ChainID {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("submission was sent on chain %d; pass --chain-id %d", rec.ChainID, rec.ChainID))
			}
			st, err := s.chain(ctx)
			if err != nil {
				return err
			}
			receipt, err := st.gateway.TransactionReceipt(ctx, txHash, rpc.CallOptions{Label: "tx.receipt"})
			if err != nil {
				return err
			}
			if receipt == nil {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), rec, []string{"receipt not available yet"})
			}
			rec = applyReceipt(rec, receipt)
			rec.UpdatedAt = s.runner.now().UTC()
			if err := store.Save(ctx, rec); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "update submission", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rec, nil)
		},
	}
	show.Flags().StringVar(&hash, "hash", "", "Transaction hash")

	root.AddCommand(list)
	root.AddCommand(show)
	return root
}

func applyReceipt(rec journal.Record, receipt *types.Receipt) journal.Record {
	if receipt.BlockNumber != nil {
		rec.BlockNumber = receipt.BlockNumber.Uint64()
	}
	rec.GasUsed = receipt.GasUsed
	rec.Status = journal.StatusConfirmed
	if receipt.Status != types.ReceiptStatusSuccessful {
		rec.Status = journal.StatusReverted
	}
	return rec
}

func parseHash(name, raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Hash{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("--%s is required", name))
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("--%s must be a 32-byte hex hash, got %q", name, raw))
	}
	return common.BytesToHash(b), nil
}
