package loader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/idlctl/internal/chain"
)

// Deployment is the executable bytecode of a program together with the
// loader state it was read from.
type Deployment struct {
	Bytecode []byte
	State    State
}

type Resolver struct {
	rpc        chain.RPC
	commitment rpc.CommitmentType
	logger     *slog.Logger
}

func NewResolver(client chain.RPC, commitment rpc.CommitmentType, logger *slog.Logger) *Resolver {
	if commitment == "" {
		commitment = rpc.CommitmentFinalized
	}
	return &Resolver{rpc: client, commitment: commitment, logger: logger}
}

// Resolve finds the deployed bytecode behind address. address may be a
// program id or an upgradeable loader buffer.
func (r *Resolver) Resolve(ctx context.Context, address solana.PublicKey) (*Deployment, error) {
	account, err := chain.FetchAccount(ctx, r.rpc, address, r.commitment)
	if err != nil {
		return nil, err
	}

	switch {
	case account.Owner.Equals(BPFLoaderID), account.Owner.Equals(BPFLoaderDeprecatedID):
		return r.resolveNonUpgradeable(account), nil
	case account.Owner.Equals(BPFLoaderUpgradeableID):
	default:
		return nil, fmt.Errorf("%w: %s owned by %s", ErrUnsupportedOwner, address, account.Owner)
	}

	state, err := DecodeState(account.Data)
	if err != nil {
		return nil, fmt.Errorf("decode loader state of %s: %w", address, err)
	}
	switch st := state.(type) {
	case Program:
		return r.resolveProgram(ctx, address, st)
	case Buffer:
		return r.resolveBuffer(account, st)
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrUnsupportedLoaderState, address, state)
	}
}

// Non-upgradeable programs store raw bytecode and have no deploy slot or
// authority.
func (r *Resolver) resolveNonUpgradeable(account *chain.Account) *Deployment {
	r.logger.Debug("resolved non-upgradeable program", "program", account.Address, "owner", account.Owner)
	return &Deployment{
		Bytecode: account.Data,
		State:    ProgramData{Slot: 0, UpgradeAuthority: nil},
	}
}

func (r *Resolver) resolveProgram(ctx context.Context, programID solana.PublicKey, program Program) (*Deployment, error) {
	programData, err := chain.FetchAccount(ctx, r.rpc, program.ProgramDataAddress, r.commitment)
	if err != nil {
		return nil, fmt.Errorf("fetch program data of %s: %w", programID, err)
	}
	state, err := DecodeState(programData.Data)
	if err != nil {
		return nil, fmt.Errorf("decode program data %s: %w", program.ProgramDataAddress, err)
	}
	data, ok := state.(ProgramData)
	if !ok {
		return nil, fmt.Errorf("%w: program data %s is %T", ErrUnsupportedLoaderState, program.ProgramDataAddress, state)
	}
	if len(programData.Data) < ProgramDataMetadataSize {
		return nil, fmt.Errorf("%w: program data %s is %d bytes", ErrUnsupportedLoaderState, program.ProgramDataAddress, len(programData.Data))
	}

	r.logger.Debug("resolved upgradeable program",
		"program", programID,
		"program_data", program.ProgramDataAddress,
		"slot", data.Slot,
	)
	return &Deployment{
		Bytecode: programData.Data[ProgramDataMetadataSize:],
		State:    data,
	}, nil
}

// A buffer holds bytecode that was never deployed, so there is no program
// data account to follow.
func (r *Resolver) resolveBuffer(account *chain.Account, buffer Buffer) (*Deployment, error) {
	if len(account.Data) < BufferMetadataSize {
		return nil, fmt.Errorf("%w: buffer %s is %d bytes", ErrUnsupportedLoaderState, account.Address, len(account.Data))
	}
	r.logger.Debug("resolved buffer", "buffer", account.Address)
	return &Deployment{
		Bytecode: account.Data[BufferMetadataSize:],
		State:    buffer,
	}, nil
}
