package idlclient

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/idlctl/internal/idl"
)

// Confirmer asks the operator before an irreversible change.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// Authority reports who may modify the IDL at address. address may be a
// program id.
func (s *Service) Authority(ctx context.Context, address solana.PublicKey) (solana.PublicKey, error) {
	record, _, err := s.FetchRecord(ctx, address)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return record.Authority, nil
}

// SetAuthority hands the IDL account over to newAuthority. target defaults to
// the canonical IDL account of programID when it is the zero key.
func (s *Service) SetAuthority(ctx context.Context, programID, target, newAuthority solana.PublicKey, authority solana.PrivateKey) error {
	if target.Equals(solana.PublicKey{}) {
		canonical, err := idl.CanonicalAddress(programID)
		if err != nil {
			return err
		}
		target = canonical
	}

	ix, err := idl.NewSetAuthorityInstruction(programID, target, authority.PublicKey(), newAuthority)
	if err != nil {
		return fmt.Errorf("build set authority instruction: %w", err)
	}
	sig, err := s.sender.SendAndConfirm(ctx, authority, []solana.Instruction{ix})
	if err != nil {
		return fmt.Errorf("set idl authority of %s: %w", target, err)
	}
	s.logger.Info("idl authority set",
		"program", programID,
		"idl", target,
		"authority", newAuthority,
		"signature", sig,
	)
	return nil
}

// EraseAuthority sets the canonical IDL authority to the zero key after the
// operator confirms. The IDL can never be changed again afterwards. An
// already erased IDL is left alone.
func (s *Service) EraseAuthority(ctx context.Context, programID solana.PublicKey, authority solana.PrivateKey) error {
	idlAddress, err := idl.CanonicalAddress(programID)
	if err != nil {
		return err
	}
	record, _, err := s.FetchRecord(ctx, idlAddress)
	if err != nil {
		return err
	}
	if record.Erased() {
		s.logger.Info("idl authority already erased", "program", programID, "idl", idlAddress)
		return nil
	}

	prompt := fmt.Sprintf("Erasing the IDL authority of %s is permanent. Continue?", programID)
	ok, err := s.confirmer.Confirm(ctx, prompt)
	if err != nil {
		return fmt.Errorf("confirm authority erase: %w", err)
	}
	if !ok {
		s.logger.Info("idl authority erase declined", "program", programID)
		return nil
	}

	return s.SetAuthority(ctx, programID, idlAddress, solana.PublicKey{}, authority)
}
