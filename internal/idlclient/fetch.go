package idlclient

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/idlctl/internal/chain"
	"github.com/coldbell/idlctl/internal/idl"
)

// Fetch loads and decodes the IDL at address. A program id is accepted too,
// in which case its canonical IDL account is read.
func (s *Service) Fetch(ctx context.Context, address solana.PublicKey) (*idl.Document, error) {
	record, idlAddress, err := s.FetchRecord(ctx, address)
	if err != nil {
		return nil, err
	}
	doc, err := idl.Decode(record.Data)
	if err != nil {
		return nil, fmt.Errorf("decode idl at %s: %w", idlAddress, err)
	}
	return doc, nil
}

// FetchRecord returns the raw IDL account record and the address it was read
// from. An account without data counts as missing.
func (s *Service) FetchRecord(ctx context.Context, address solana.PublicKey) (*idl.Account, solana.PublicKey, error) {
	account, err := chain.FetchAccount(ctx, s.rpc, address, s.cfg.ReadCommitment)
	if err != nil {
		return nil, address, err
	}

	idlAddress := address
	if account.Executable {
		idlAddress, err = idl.CanonicalAddress(address)
		if err != nil {
			return nil, address, err
		}
		s.logger.Debug("resolved program to idl account", "program", address, "idl", idlAddress)
		account, err = chain.FetchAccount(ctx, s.rpc, idlAddress, s.cfg.ReadCommitment)
		if err != nil {
			return nil, idlAddress, err
		}
	}

	if len(account.Data) == 0 {
		return nil, idlAddress, fmt.Errorf("%w: %s holds no data", chain.ErrAccountNotFound, idlAddress)
	}
	record, err := idl.ParseAccount(account.Data)
	if err != nil {
		return nil, idlAddress, fmt.Errorf("parse idl account %s: %w", idlAddress, err)
	}
	return record, idlAddress, nil
}
