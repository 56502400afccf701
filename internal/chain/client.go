package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrTransactionFailed = errors.New("transaction failed")
)

// RPC is the slice of the JSON RPC API these tools depend on. *rpc.Client
// satisfies it.
type RPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ RPC = (*rpc.Client)(nil)

func NewRPC(url string) *rpc.Client {
	return rpc.New(url)
}

// Account is what callers need from an account lookup.
type Account struct {
	Address    solana.PublicKey
	Owner      solana.PublicKey
	Executable bool
	Lamports   uint64
	Data       []byte
}

// FetchAccount loads address at the given commitment. A missing account is
// reported as ErrAccountNotFound.
func FetchAccount(ctx context.Context, client RPC, address solana.PublicKey, commitment rpc.CommitmentType) (*Account, error) {
	resp, err := client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("fetch account %s: %w", address, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}

	var data []byte
	if resp.Value.Data != nil {
		data = resp.Value.Data.GetBinary()
	}
	return &Account{
		Address:    address,
		Owner:      resp.Value.Owner,
		Executable: resp.Value.Executable,
		Lamports:   resp.Value.Lamports,
		Data:       data,
	}, nil
}
