package checkpoint

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeySeparatesPayloads(t *testing.T) {
	target := solana.NewWallet().PublicKey()

	a := NewKey(target, []byte("first"))
	b := NewKey(target, []byte("second"))
	assert.Equal(t, target.String(), a.Target)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, NewKey(target, []byte("first")))
	assert.Len(t, a.Digest, 64)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := NewKey(solana.NewWallet().PublicKey(), []byte("payload"))

	_, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, key, 2000))
	offset, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2000, offset)

	require.NoError(t, store.Clear(ctx, key))
	_, ok, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen(t *testing.T) {
	store, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = Open("postgres", "")
	require.Error(t, err)

	_, err = Open("sqlite", "file.db")
	require.Error(t, err)
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                                   "SELECT 1",
		"WHERE target = ? AND digest = ?":            "WHERE target = $1 AND digest = $2",
		"WHERE note = '?' AND id = ?":                "WHERE note = '?' AND id = $1",
		"WHERE note = 'it''s ?' AND a = ? AND b = ?": "WHERE note = 'it''s ?' AND a = $1 AND b = $2",
		"VALUES (?, ?, ?, ?)":                        "VALUES ($1, $2, $3, $4)",
	}
	for in, want := range cases {
		assert.Equal(t, want, rebindPostgresPlaceholders(in), in)
	}
}
