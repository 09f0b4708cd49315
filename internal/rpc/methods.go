package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
)

const (
	BlockLatest  = "latest"
	BlockPending = "pending"
)

// ChainID reads eth_chainId.
func (g *Gateway) ChainID(ctx context.Context, opts CallOptions) (int64, error) {
	raw, err := g.Call(ctx, "eth_chainId", nil, opts)
	if err != nil {
		return 0, err
	}
	var v hexutil.Big
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_chainId", err)
	}
	return (*big.Int)(&v).Int64(), nil
}

// BlockNumber reads eth_blockNumber.
func (g *Gateway) BlockNumber(ctx context.Context, opts CallOptions) (uint64, error) {
	raw, err := g.Call(ctx, "eth_blockNumber", nil, opts)
	if err != nil {
		return 0, err
	}
	var v hexutil.Uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_blockNumber", err)
	}
	return uint64(v), nil
}

// EthCall runs a read-only call against block (latest when empty).
func (g *Gateway) EthCall(ctx context.Context, msg ethereum.CallMsg, block string, opts ReadOptions) ([]byte, error) {
	if block == "" {
		block = BlockLatest
	}
	raw, err := g.ReadCall(ctx, "eth_call", []any{ToCallArg(msg), block}, opts)
	if err != nil {
		return nil, err
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_call result", err)
	}
	return out, nil
}

// EstimateGas runs eth_estimateGas against the pending block.
func (g *Gateway) EstimateGas(ctx context.Context, msg ethereum.CallMsg, opts CallOptions) (uint64, error) {
	raw, err := g.Call(ctx, "eth_estimateGas", []any{ToCallArg(msg)}, opts)
	if err != nil {
		return 0, err
	}
	var v hexutil.Uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_estimateGas", err)
	}
	return uint64(v), nil
}

// GetBalance reads the native balance of account at the latest block.
func (g *Gateway) GetBalance(ctx context.Context, account common.Address, opts CallOptions) (*big.Int, error) {
	raw, err := g.Call(ctx, "eth_getBalance", []any{account.Hex(), BlockLatest}, opts)
	if err != nil {
		return nil, err
	}
	var v hexutil.Big
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_getBalance", err)
	}
	return (*big.Int)(&v), nil
}

// GetLogs runs eth_getLogs for a bounded block range.
func (g *Gateway) GetLogs(ctx context.Context, q ethereum.FilterQuery, opts CallOptions) ([]types.Log, error) {
	arg := map[string]any{}
	if len(q.Addresses) > 0 {
		arg["address"] = q.Addresses
	}
	if q.FromBlock != nil {
		arg["fromBlock"] = hexutil.EncodeBig(q.FromBlock)
	}
	if q.ToBlock != nil {
		arg["toBlock"] = hexutil.EncodeBig(q.ToBlock)
	}
	if len(q.Topics) > 0 {
		arg["topics"] = q.Topics
	}
	raw, err := g.Call(ctx, "eth_getLogs", []any{arg}, opts)
	if err != nil {
		return nil, err
	}
	var logs []types.Log
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_getLogs", err)
	}
	return logs, nil
}

// BlockHeader is the subset of eth_getBlockByNumber the planner needs.
type BlockHeader struct {
	Number        hexutil.Uint64 `json:"number"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
}

// BlockByNumber reads a block header by tag or hex number.
func (g *Gateway) BlockByNumber(ctx context.Context, block string, opts CallOptions) (BlockHeader, error) {
	if block == "" {
		block = BlockLatest
	}
	raw, err := g.Call(ctx, "eth_getBlockByNumber", []any{block, false}, opts)
	if err != nil {
		return BlockHeader{}, err
	}
	var header BlockHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return BlockHeader{}, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_getBlockByNumber", err)
	}
	return header, nil
}

// MaxPriorityFee reads eth_maxPriorityFeePerGas.
func (g *Gateway) MaxPriorityFee(ctx context.Context, opts CallOptions) (*big.Int, error) {
	raw, err := g.Call(ctx, "eth_maxPriorityFeePerGas", nil, opts)
	if err != nil {
		return nil, err
	}
	var v hexutil.Big
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_maxPriorityFeePerGas", err)
	}
	return (*big.Int)(&v), nil
}

// PendingNonce reads eth_getTransactionCount at the pending block.
func (g *Gateway) PendingNonce(ctx context.Context, account common.Address, opts CallOptions) (uint64, error) {
	raw, err := g.Call(ctx, "eth_getTransactionCount", []any{account.Hex(), BlockPending}, opts)
	if err != nil {
		return 0, err
	}
	var v hexutil.Uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, clierr.Wrap(clierr.CodeRPCUnavailable, "decode eth_getTransactionCount", err)
	}
	return uint64(v), nil
}

// SendRawTransaction broadcasts a signed transaction. It is sent with a
// single round: rebroadcasting to every endpoint is harmless, but repeating
// rounds after a definitive rejection is not useful.
func (g *Gateway) SendRawTransaction(ctx context.Context, tx *types.Transaction, opts CallOptions) (common.Hash, error) {
	payload, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeInternal, "encode transaction", err)
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	raw, err := g.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(payload)}, opts)
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(raw, &hash); err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeRPCUnavailable, "decode transaction hash", err)
	}
	return hash, nil
}

// TransactionReceipt returns nil without error while the receipt is pending.
func (g *Gateway) TransactionReceipt(ctx context.Context, hash common.Hash, opts CallOptions) (*types.Receipt, error) {
	raw, err := g.Call(ctx, "eth_getTransactionReceipt", []any{hash.Hex()}, opts)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var receipt types.Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, clierr.Wrap(clierr.CodeRPCUnavailable, "decode transaction receipt", err)
	}
	return &receipt, nil
}

// ToCallArg renders msg the way nodes expect the eth_call argument object.
func ToCallArg(msg ethereum.CallMsg) map[string]any {
	arg := map[string]any{
		"from": msg.From.Hex(),
	}
	if msg.To != nil {
		arg["to"] = msg.To.Hex()
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil && msg.Value.Sign() > 0 {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas > 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	return arg
}

type ethclientHandle struct {
	client *ethclient.Client
}

// EthclientHandle adapts a go-ethereum client into a DirectHandle.
func EthclientHandle(client *ethclient.Client) DirectHandle {
	return ethclientHandle{client: client}
}

func (h ethclientHandle) ChainID(ctx context.Context) (*big.Int, error) {
	return h.client.ChainID(ctx)
}

func (h ethclientHandle) CallContext(ctx context.Context, result any, method string, args ...any) error {
	if h.client == nil {
		return fmt.Errorf("direct handle is not connected")
	}
	return h.client.Client().CallContext(ctx, result, method, args...)
}
