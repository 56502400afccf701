// Package checkpoint records how far a chunked upload has progressed so an
// interrupted run can continue instead of starting over.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Key identifies one upload: the account being written and the exact
// payload. A different payload for the same account never resumes.
type Key struct {
	Target string
	Digest string
}

func NewKey(target solana.PublicKey, payload []byte) Key {
	sum := sha256.Sum256(payload)
	return Key{Target: target.String(), Digest: hex.EncodeToString(sum[:])}
}

func (k Key) String() string {
	return k.Target + "/" + k.Digest
}

// Store persists the next byte offset to write for each upload.
type Store interface {
	Load(ctx context.Context, key Key) (offset int, ok bool, err error)
	Save(ctx context.Context, key Key, offset int) error
	Clear(ctx context.Context, key Key) error
	Close() error
}

// Open returns a store for driver. An empty dsn with driver "postgres"
// is a configuration error; "memory" ignores dsn.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres checkpoint store requires a dsn")
		}
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver %q", driver)
	}
}
