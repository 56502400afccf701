package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

type SenderConfig struct {
	Commitment                    rpc.CommitmentType
	SkipPreflight                 bool
	MaxRetries                    *uint
	TxTimeout                     time.Duration
	ConfirmPollInterval           time.Duration
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
}

// Sender signs, submits and waits for confirmation of one transaction at a
// time. It holds no key material; the payer is passed into every call.
type Sender struct {
	rpc    RPC
	cfg    SenderConfig
	logger *slog.Logger
}

func NewSender(client RPC, cfg SenderConfig, logger *slog.Logger) *Sender {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 30 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 700 * time.Millisecond
	}
	return &Sender{rpc: client, cfg: cfg, logger: logger}
}

func (s *Sender) RPC() RPC {
	return s.rpc
}

func (s *Sender) Commitment() rpc.CommitmentType {
	return s.cfg.Commitment
}

// SendAndConfirm builds a transaction paid for by payer, signs it with payer
// and any extra signers, submits it and blocks until it reaches the
// configured commitment. Any failure, including a confirmation timeout, is
// reported as ErrTransactionFailed.
func (s *Sender) SendAndConfirm(ctx context.Context, payer solana.PrivateKey, instructions []solana.Instruction, extraSigners ...solana.PrivateKey) (solana.Signature, error) {
	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	withBudget, err := s.withComputeBudget(instructions)
	if err != nil {
		return solana.Signature{}, err
	}

	signature, err := s.sendTransaction(txCtx, payer, withBudget, extraSigners)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: send: %v", ErrTransactionFailed, err)
	}
	if err := s.waitForConfirmation(txCtx, signature); err != nil {
		return signature, fmt.Errorf("%w: confirm %s: %v", ErrTransactionFailed, signature, err)
	}

	s.logger.Debug("transaction confirmed", "signature", signature, "commitment", s.cfg.Commitment)
	return signature, nil
}

func (s *Sender) withComputeBudget(instructions []solana.Instruction) ([]solana.Instruction, error) {
	out := make([]solana.Instruction, 0, len(instructions)+2)
	if s.cfg.ComputeUnitLimit > 0 {
		ix, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		out = append(out, ix)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		out = append(out, ix)
	}
	return append(out, instructions...), nil
}

func (s *Sender) sendTransaction(ctx context.Context, payer solana.PrivateKey, instructions []solana.Instruction, extraSigners []solana.PrivateKey) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(payer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	signers := append([]solana.PrivateKey{payer}, extraSigners...)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	return s.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

func (s *Sender) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(s.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				return fmt.Errorf("get signature status: %w", err)
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction error: %v", status.Err)
			}
			if reachedCommitment(status.ConfirmationStatus, s.cfg.Commitment) {
				return nil
			}
		}
	}
}

func reachedCommitment(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentProcessed:
		return status == rpc.ConfirmationStatusProcessed ||
			status == rpc.ConfirmationStatusConfirmed ||
			status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	default:
		return status == rpc.ConfirmationStatusConfirmed ||
			status == rpc.ConfirmationStatusFinalized
	}
}
