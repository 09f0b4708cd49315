package app

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/dexkit/internal/errors"
	"github.com/ggonzalez94/dexkit/internal/resolver"
	"github.com/ggonzalez94/dexkit/internal/signer"
	"github.com/holiman/uint256"
)

// parseAddress validates a required hex address flag.
func parseAddress(name, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("--%s is required", name))
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("--%s must be a hex address, got %q", name, raw))
	}
	return common.HexToAddress(raw), nil
}

func parseOptionalAddress(name, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(name, raw)
}

func parseAddressList(name string, raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, item := range raw {
		if !common.IsHexAddress(item) {
			return nil, clierr.New(clierr.CodeInvalidConfig, fmt.Sprintf("%s must be a hex address, got %q", name, item))
		}
		out = append(out, common.HexToAddress(item))
	}
	return out, nil
}

// parseAsset accepts a token address or "native"/"eth" for the chain's
// native currency.
func parseAsset(name, raw string) (common.Address, bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "native", "eth":
		return common.Address{}, true, nil
	}
	addr, err := parseAddress(name, raw)
	return addr, false, err
}

// parseAmount reads a base-unit integer amount.
func parseAmount(name, raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("--%s is required", name))
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("--%s must be a base-unit integer", name), err)
	}
	if v.IsZero() {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("--%s must be positive", name))
	}
	return v, nil
}

func (s *runtimeState) tokenPair(rawA, rawB string) (resolver.Token, resolver.Token, error) {
	a, err := parseAddress("token-a", rawA)
	if err != nil {
		return resolver.Token{}, resolver.Token{}, err
	}
	b, err := parseAddress("token-b", rawB)
	if err != nil {
		return resolver.Token{}, resolver.Token{}, err
	}
	return resolver.Token{ChainID: s.settings.ChainID, Address: a}, resolver.Token{ChainID: s.settings.ChainID, Address: b}, nil
}

// sender resolves --from, falling back to the configured local key.
func (s *runtimeState) sender(raw string) (common.Address, error) {
	if strings.TrimSpace(raw) != "" {
		return parseAddress("from", raw)
	}
	local, err := signer.NewLocalSignerFromEnv(s.settings.KeySource)
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeUsage, "--from is required when no signing key is configured", err)
	}
	return local.Address(), nil
}
