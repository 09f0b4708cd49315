package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/dexkit/internal/cache"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/registry"
	"github.com/ggonzalez94/dexkit/internal/rpc"
	"github.com/holiman/uint256"
)

const (
	DefaultLogWindow = 2000
	DefaultLookback  = 50_000
)

// HistoryStore persists scan checkpoints. *cache.Store implements it.
type HistoryStore interface {
	Get(ctx context.Context, namespace, address string) (cache.Entry, bool)
	Put(ctx context.Context, namespace, address string, entry cache.Entry) error
}

// SyncSnapshot is the last Sync event seen for a pair.
type SyncSnapshot struct {
	Reserve0 *uint256.Int `json:"reserve0"`
	Reserve1 *uint256.Int `json:"reserve1"`
	Block    uint64       `json:"block"`
	TxHash   common.Hash  `json:"tx_hash"`
}

type HistoryResult struct {
	Pair      common.Address `json:"pair"`
	FromBlock uint64         `json:"from_block"`
	ToBlock   uint64         `json:"to_block"`
	Events    int            `json:"events"`
	Resumed   bool           `json:"resumed"`
	Latest    *SyncSnapshot  `json:"latest,omitempty"`
}

// SyncHistory scans the pair's Sync events from the cached checkpoint (or
// the lookback window) to the block height read at call time. Progress is
// checkpointed after every window, so an interrupted scan resumes.
func (r *Resolver) SyncHistory(ctx context.Context, pair common.Address) (HistoryResult, error) {
	if pair == (common.Address{}) {
		return HistoryResult{}, clierr.New(clierr.CodeUsage, "pair address is required")
	}
	head, err := r.caller.BlockNumber(ctx, rpc.CallOptions{Label: "history.head"})
	if err != nil {
		return HistoryResult{}, err
	}

	result := HistoryResult{Pair: pair, ToBlock: head}
	from := uint64(0)
	if head > r.lookback {
		from = head - r.lookback
	}
	if r.history != nil {
		if entry, ok := r.history.Get(ctx, cache.NamespaceSync, pair.Hex()); ok {
			from = entry.ResumeFrom()
			result.Resumed = true
			var snap SyncSnapshot
			if err := json.Unmarshal(entry.Value, &snap); err == nil && snap.Reserve0 != nil {
				result.Latest = &snap
			}
		}
	}
	result.FromBlock = from
	if from > head {
		return result, nil
	}

	topic := registry.PairABI.Events["Sync"].ID
	for start := from; start <= head; start += r.logWindow {
		end := start + r.logWindow - 1
		if end > head {
			end = head
		}
		logs, err := r.caller.GetLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{pair},
			Topics:    [][]common.Hash{{topic}},
		}, rpc.CallOptions{Label: "history.logs"})
		if err != nil {
			return result, err
		}
		for _, lg := range logs {
			snap, err := decodeSync(lg.Data)
			if err != nil {
				r.logger.Warn("skipping undecodable Sync log", "pair", pair.Hex(), "block", lg.BlockNumber, "error", err)
				continue
			}
			snap.Block = lg.BlockNumber
			snap.TxHash = lg.TxHash
			result.Latest = &snap
			result.Events++
		}
		if err := r.checkpoint(ctx, pair, end, result.Latest); err != nil {
			r.logger.Warn("history checkpoint failed", "pair", pair.Hex(), "block", end, "error", err)
		}
	}
	return result, nil
}

func (r *Resolver) checkpoint(ctx context.Context, pair common.Address, block uint64, latest *SyncSnapshot) error {
	if r.history == nil {
		return nil
	}
	var value json.RawMessage
	if latest != nil {
		raw, err := json.Marshal(latest)
		if err != nil {
			return err
		}
		value = raw
	}
	return r.history.Put(ctx, cache.NamespaceSync, pair.Hex(), cache.Entry{Value: value, LastBlockSeen: block})
}

func decodeSync(data []byte) (SyncSnapshot, error) {
	out, err := registry.PairABI.Unpack("Sync", data)
	if err != nil {
		return SyncSnapshot{}, err
	}
	if len(out) != 2 {
		return SyncSnapshot{}, fmt.Errorf("unexpected Sync field count %d", len(out))
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return SyncSnapshot{}, fmt.Errorf("unexpected Sync field types")
	}
	return SyncSnapshot{Reserve0: uint256.MustFromBig(r0), Reserve1: uint256.MustFromBig(r1)}, nil
}
