package idl

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seed is mixed into the canonical IDL address of every program.
const Seed = "anchor:idl"

// ProgramSigner is the program derived address with no seeds. The program
// signs for it when creating the canonical IDL account.
func ProgramSigner(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{}, programID)
}

// CanonicalAddress derives the IDL account address of a program. Writers and
// readers must both go through here.
func CanonicalAddress(programID solana.PublicKey) (solana.PublicKey, error) {
	base, _, err := ProgramSigner(programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive program signer: %w", err)
	}
	address, err := solana.CreateWithSeed(base, Seed, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("create idl address with seed: %w", err)
	}
	return address, nil
}

// MustCanonicalAddress is CanonicalAddress for program ids known to derive,
// and panics otherwise.
func MustCanonicalAddress(programID solana.PublicKey) solana.PublicKey {
	address, err := CanonicalAddress(programID)
	if err != nil {
		panic(fmt.Errorf("derive canonical idl address: %w", err))
	}
	return address
}

// NewBufferKeypair returns a random keypair for a throwaway buffer account.
// Uniqueness is left to the randomness source; a collision fails account
// creation on-chain.
func NewBufferKeypair() (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate buffer keypair: %w", err)
	}
	return key, nil
}
