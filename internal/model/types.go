package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code      int    `json:"code"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Category  string `json:"category,omitempty"`
	Retryable bool   `json:"retryable"`
}

type EnvelopeMeta struct {
	RequestID string             `json:"request_id"`
	Timestamp time.Time          `json:"timestamp"`
	Command   string             `json:"command"`
	ChainID   int64              `json:"chain_id,omitempty"`
	RPC       *RPCStatus         `json:"rpc,omitempty"`
	LastPlan  any                `json:"last_plan,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Cache     CacheStatus        `json:"cache"`
}

// RPCStatus summarizes gateway health at the time the envelope was built.
type RPCStatus struct {
	Status              string `json:"status"`
	Endpoints           int    `json:"endpoints"`
	LastEndpoint        string `json:"last_endpoint,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures uint   `json:"consecutive_failures"`
}

type CacheStatus struct {
	Status string `json:"status"`
}

type HealthReport struct {
	ChainID     int64     `json:"chain_id"`
	BlockNumber uint64    `json:"block_number"`
	Deployment  string    `json:"deployment"`
	Endpoints   []string  `json:"endpoints"`
	Status      string    `json:"status"`
	CheckedAt   time.Time `json:"checked_at"`
}

type PairLookup struct {
	ChainID int64  `json:"chain_id"`
	TokenA  string `json:"token_a"`
	TokenB  string `json:"token_b"`
	Pair    string `json:"pair,omitempty"`
	Exists  bool   `json:"exists"`
}

type ReservesReport struct {
	Pair     any    `json:"pair"`
	ReserveA string `json:"reserve_a"`
	ReserveB string `json:"reserve_b"`
	State    string `json:"state"`
}
