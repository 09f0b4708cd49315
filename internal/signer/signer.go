package signer

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrRejected is returned when the operator declines to sign.
var ErrRejected = errors.New("signature request rejected")

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// Prompt asks the operator to approve a transaction. It returns false to
// decline.
type Prompt func(tx *types.Transaction) (bool, error)

// Confirming asks Prompt before delegating to the wrapped signer.
type Confirming struct {
	Signer
	Prompt Prompt
}

func (c Confirming) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if c.Prompt != nil {
		ok, err := c.Prompt(tx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrRejected
		}
	}
	return c.Signer.SignTx(chainID, tx)
}
