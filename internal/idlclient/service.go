package idlclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/idlctl/internal/chain"
	"github.com/coldbell/idlctl/internal/idl"
)

// ErrNotResumable is returned when an existing account cannot continue an
// interrupted upload of the given payload.
var ErrNotResumable = errors.New("idl upload cannot be resumed")

type ServiceConfig struct {
	// ReadCommitment is used for account lookups.
	ReadCommitment rpc.CommitmentType
	// WriteCommitment is used for rent queries ahead of account creation.
	WriteCommitment rpc.CommitmentType
}

// Service manages the IDL accounts of programs. Every mutating call takes the
// signing keypair explicitly.
type Service struct {
	cfg       ServiceConfig
	rpc       chain.RPC
	sender    Sender
	writer    *ChunkWriter
	confirmer Confirmer
	logger    *slog.Logger
}

func NewService(cfg ServiceConfig, client chain.RPC, sender Sender, writer *ChunkWriter, confirmer Confirmer, logger *slog.Logger) *Service {
	if cfg.ReadCommitment == "" {
		cfg.ReadCommitment = rpc.CommitmentProcessed
	}
	if cfg.WriteCommitment == "" {
		cfg.WriteCommitment = rpc.CommitmentConfirmed
	}
	return &Service{
		cfg:       cfg,
		rpc:       client,
		sender:    sender,
		writer:    writer,
		confirmer: confirmer,
		logger:    logger,
	}
}

// Init creates the canonical IDL account of programID and uploads doc into
// it. The account is sized at twice the compressed payload so later upgrades
// have room to grow. When a previous Init stopped partway, the existing
// account is reused and the upload continues where it ended.
func (s *Service) Init(ctx context.Context, programID solana.PublicKey, doc *idl.Document, payer solana.PrivateKey) (solana.PublicKey, error) {
	payload, err := idl.Encode(doc)
	if err != nil {
		return solana.PublicKey{}, err
	}
	idlAddress, err := idl.CanonicalAddress(programID)
	if err != nil {
		return solana.PublicKey{}, err
	}

	written, err := s.uploadProgress(ctx, programID, idlAddress, payload, payer.PublicKey())
	switch {
	case errors.Is(err, chain.ErrAccountNotFound):
	case err != nil:
		return idlAddress, err
	default:
		if err := s.writer.Resume(ctx, programID, idlAddress, payload, written, payer); err != nil {
			return idlAddress, fmt.Errorf("write idl account %s: %w", idlAddress, err)
		}
		return idlAddress, nil
	}

	createIx, err := idl.NewCreateInstruction(programID, payer.PublicKey(), uint64(len(payload))*2)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("build create instruction: %w", err)
	}
	sig, err := s.sender.SendAndConfirm(ctx, payer, []solana.Instruction{createIx})
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("create idl account %s: %w", idlAddress, err)
	}
	s.logger.Info("idl account created", "program", programID, "idl", idlAddress, "signature", sig)

	if err := s.writer.Write(ctx, programID, idlAddress, payload, payer); err != nil {
		return idlAddress, fmt.Errorf("write idl account %s: %w", idlAddress, err)
	}
	return idlAddress, nil
}

// WriteBuffer uploads doc into a fresh buffer account owned by programID and
// returns the buffer address. The buffer is sized exactly for the payload.
func (s *Service) WriteBuffer(ctx context.Context, programID solana.PublicKey, doc *idl.Document, authority solana.PrivateKey) (solana.PublicKey, error) {
	payload, err := idl.Encode(doc)
	if err != nil {
		return solana.PublicKey{}, err
	}
	bufferKey, err := idl.NewBufferKeypair()
	if err != nil {
		return solana.PublicKey{}, err
	}
	buffer := bufferKey.PublicKey()

	space := uint64(idl.AccountHeaderSize + len(payload))
	lamports, err := s.rpc.GetMinimumBalanceForRentExemption(ctx, space, s.cfg.WriteCommitment)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("get rent exemption for %d bytes: %w", space, err)
	}

	createAccountIx, err := system.NewCreateAccountInstruction(
		lamports,
		space,
		programID,
		authority.PublicKey(),
		buffer,
	).ValidateAndBuild()
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("build create account instruction: %w", err)
	}
	createBufferIx, err := idl.NewCreateBufferInstruction(programID, buffer, authority.PublicKey())
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("build create buffer instruction: %w", err)
	}

	sig, err := s.sender.SendAndConfirm(ctx, authority, []solana.Instruction{createAccountIx, createBufferIx}, bufferKey)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("create idl buffer %s: %w", buffer, err)
	}
	s.logger.Info("idl buffer created", "program", programID, "buffer", buffer, "space", space, "signature", sig)

	if err := s.writer.Write(ctx, programID, buffer, payload, authority); err != nil {
		return buffer, fmt.Errorf("write idl buffer %s: %w", buffer, err)
	}
	return buffer, nil
}

// ResumeBuffer finishes uploading doc into buffer, an account left behind by
// an interrupted WriteBuffer.
func (s *Service) ResumeBuffer(ctx context.Context, programID, buffer solana.PublicKey, doc *idl.Document, authority solana.PrivateKey) error {
	payload, err := idl.Encode(doc)
	if err != nil {
		return err
	}
	written, err := s.uploadProgress(ctx, programID, buffer, payload, authority.PublicKey())
	if err != nil {
		return err
	}
	if err := s.writer.Resume(ctx, programID, buffer, payload, written, authority); err != nil {
		return fmt.Errorf("write idl buffer %s: %w", buffer, err)
	}
	return nil
}

// uploadProgress reports how many bytes of payload target already holds. The
// target must be an IDL account of programID under authority whose data is a
// prefix of payload and which has room for the remainder.
func (s *Service) uploadProgress(ctx context.Context, programID, target solana.PublicKey, payload []byte, authority solana.PublicKey) (int, error) {
	account, err := chain.FetchAccount(ctx, s.rpc, target, s.cfg.ReadCommitment)
	if err != nil {
		return 0, err
	}
	if !account.Owner.Equals(programID) {
		return 0, fmt.Errorf("%w: %s is owned by %s, not %s", ErrNotResumable, target, account.Owner, programID)
	}
	record, err := idl.ParseAccount(account.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrNotResumable, target, err)
	}
	if !record.Authority.Equals(authority) {
		return 0, fmt.Errorf("%w: %s has authority %s, not %s", ErrNotResumable, target, record.Authority, authority)
	}
	if !bytes.HasPrefix(payload, record.Data) {
		return 0, fmt.Errorf("%w: %s already holds %d bytes of a different idl", ErrNotResumable, target, len(record.Data))
	}
	if capacity := len(account.Data) - idl.AccountHeaderSize; capacity < len(payload) {
		return 0, fmt.Errorf("%w: %s has room for %d bytes, payload is %d", ErrNotResumable, target, capacity, len(payload))
	}
	return len(record.Data), nil
}

// SetBuffer replaces the canonical IDL of programID with the contents of
// buffer.
func (s *Service) SetBuffer(ctx context.Context, programID, buffer solana.PublicKey, authority solana.PrivateKey) error {
	ix, err := idl.NewSetBufferInstruction(programID, buffer, authority.PublicKey())
	if err != nil {
		return fmt.Errorf("build set buffer instruction: %w", err)
	}
	sig, err := s.sender.SendAndConfirm(ctx, authority, []solana.Instruction{ix})
	if err != nil {
		return fmt.Errorf("set idl buffer %s: %w", buffer, err)
	}
	s.logger.Info("idl buffer applied", "program", programID, "buffer", buffer, "signature", sig)
	return nil
}

// Upgrade writes doc into a new buffer and swaps it into the canonical
// account.
func (s *Service) Upgrade(ctx context.Context, programID solana.PublicKey, doc *idl.Document, authority solana.PrivateKey) (solana.PublicKey, error) {
	buffer, err := s.WriteBuffer(ctx, programID, doc, authority)
	if err != nil {
		return buffer, err
	}
	if err := s.SetBuffer(ctx, programID, buffer, authority); err != nil {
		return buffer, err
	}
	return buffer, nil
}
