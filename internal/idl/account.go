package idl

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// AccountHeaderSize is the discriminator, authority and length prefix that
// precede the compressed payload in an IDL or buffer account.
const AccountHeaderSize = 8 + 32 + 4

// AccountDiscriminator tags both canonical IDL accounts and IDL buffers.
var AccountDiscriminator = accountDiscriminator("IdlAccount")

// Account is the on-chain record holding a compressed Document.
type Account struct {
	Authority solana.PublicKey
	Data      []byte
}

// Erased reports whether the authority was set to the zero key, which the
// program treats as "nobody may modify this IDL".
func (a *Account) Erased() bool {
	return a.Authority.Equals(solana.PublicKey{})
}

// ParseAccount checks the discriminator and decodes the record. Trailing
// bytes past the serialized length are the account's growth slack and are
// ignored.
func ParseAccount(data []byte) (*Account, error) {
	if len(data) < len(AccountDiscriminator) {
		return nil, fmt.Errorf("%w: account data too short: %d bytes", ErrDiscriminatorMismatch, len(data))
	}
	if !bytes.Equal(data[:len(AccountDiscriminator)], AccountDiscriminator[:]) {
		return nil, fmt.Errorf("%w: got %x, want %x", ErrDiscriminatorMismatch, data[:len(AccountDiscriminator)], AccountDiscriminator)
	}

	dec := bin.NewBorshDecoder(data[len(AccountDiscriminator):])
	authority, err := dec.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, fmt.Errorf("%w: read authority: %v", ErrDecode, err)
	}
	payload, err := dec.ReadByteSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: read idl data: %v", ErrDecode, err)
	}

	return &Account{
		Authority: solana.PublicKeyFromBytes(authority),
		Data:      payload,
	}, nil
}

// MarshalAccount produces the exact on-chain byte layout of the record.
func MarshalAccount(account *Account) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(AccountHeaderSize + len(account.Data))
	buf.Write(AccountDiscriminator[:])

	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(account.Authority.Bytes(), false); err != nil {
		return nil, fmt.Errorf("write authority: %w", err)
	}
	if err := enc.WriteBytes(account.Data, true); err != nil {
		return nil, fmt.Errorf("write idl data: %w", err)
	}
	return buf.Bytes(), nil
}

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
