package idlclient_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/idlctl/internal/chain"
	"github.com/coldbell/idlctl/internal/chain/chaintest"
	"github.com/coldbell/idlctl/internal/checkpoint"
	"github.com/coldbell/idlctl/internal/idl"
	"github.com/coldbell/idlctl/internal/idlclient"
	"github.com/coldbell/idlctl/internal/loader"
)

type harness struct {
	ledger    *chaintest.Ledger
	programID solana.PublicKey
	payer     solana.PrivateKey
	writer    *idlclient.ChunkWriter
	service   *idlclient.Service
	prompts   []string
}

func newHarness(t *testing.T, store checkpoint.Store, confirm bool) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		ledger:    chaintest.NewLedger(),
		programID: solana.NewWallet().PublicKey(),
		payer:     solana.NewWallet().PrivateKey,
	}
	h.ledger.DeployProgram(h.programID, loader.BPFLoaderUpgradeableID, nil)

	sender := chain.NewSender(h.ledger, chain.SenderConfig{ConfirmPollInterval: time.Millisecond}, logger)
	h.writer = idlclient.NewChunkWriter(sender, idlclient.DefaultChunkSize, store, logger)
	confirmer := idlclient.ConfirmFunc(func(_ context.Context, prompt string) (bool, error) {
		h.prompts = append(h.prompts, prompt)
		return confirm, nil
	})
	h.service = idlclient.NewService(idlclient.ServiceConfig{}, h.ledger, sender, h.writer, confirmer, logger)
	return h
}

func smallDocument() *idl.Document {
	return &idl.Document{
		Version: "0.1.0",
		Name:    "counter",
		Instructions: []idl.Instruction{{
			Name:     "increment",
			Accounts: []json.RawMessage{json.RawMessage(`{"name":"counter","isMut":true,"isSigner":false}`)},
			Args:     []idl.Field{},
		}},
	}
}

// largeDocument compresses to several chunks because its names are hashes.
func largeDocument(n int) *idl.Document {
	doc := &idl.Document{Version: "0.2.0", Name: "large"}
	seed := sha256.Sum256([]byte("large"))
	for i := 0; i < n; i++ {
		seed = sha256.Sum256(seed[:])
		doc.Instructions = append(doc.Instructions, idl.Instruction{
			Name:     hex.EncodeToString(seed[:]),
			Accounts: []json.RawMessage{},
			Args:     []idl.Field{{Name: fmt.Sprintf("arg_%d", i), Type: json.RawMessage(`"u64"`)}},
		})
	}
	return doc
}

func idlOps(t *testing.T, txs []*solana.Transaction) []idl.Op {
	t.Helper()
	var out []idl.Op
	for _, tx := range txs {
		for _, ix := range tx.Message.Instructions {
			op, err := idl.DecodeInstruction(ix.Data)
			if err != nil {
				continue
			}
			out = append(out, op)
		}
	}
	return out
}

func writeOps(t *testing.T, txs []*solana.Transaction) []idl.Write {
	t.Helper()
	var out []idl.Write
	for _, op := range idlOps(t, txs) {
		if write, ok := op.(idl.Write); ok {
			out = append(out, write)
		}
	}
	return out
}

func countOps(t *testing.T, txs []*solana.Transaction, kind idl.OpKind) int {
	t.Helper()
	n := 0
	for _, op := range idlOps(t, txs) {
		if op.Kind() == kind {
			n++
		}
	}
	return n
}

func chunkCount(payload []byte) int {
	return (len(payload) + idlclient.DefaultChunkSize - 1) / idlclient.DefaultChunkSize
}

// seedBuffer places an empty IDL buffer owned by the program with room for
// size payload bytes.
func seedBuffer(t *testing.T, h *harness, size int) solana.PublicKey {
	t.Helper()
	address := solana.NewWallet().PublicKey()
	header, err := idl.MarshalAccount(&idl.Account{Authority: h.payer.PublicKey()})
	require.NoError(t, err)
	data := make([]byte, idl.AccountHeaderSize+size)
	copy(data, header)
	h.ledger.SetAccount(address, chaintest.Account{Owner: h.programID, Lamports: 1, Data: data})
	return address
}

func storedPayload(t *testing.T, h *harness, address solana.PublicKey) []byte {
	t.Helper()
	account, ok := h.ledger.Account(address)
	require.True(t, ok)
	record, err := idl.ParseAccount(account.Data)
	require.NoError(t, err)
	return record.Data
}

func TestChunkWriterSplitsPayload(t *testing.T) {
	h := newHarness(t, nil, true)
	payload := bytes.Repeat([]byte{0x5a}, 2500)
	target := seedBuffer(t, h, len(payload))

	require.NoError(t, h.writer.Write(context.Background(), h.programID, target, payload, h.payer))

	sent := h.ledger.Sent()
	require.Len(t, sent, 3)
	writes := writeOps(t, sent)
	require.Len(t, writes, 3)
	assert.Len(t, writes[0].Data, 1000)
	assert.Len(t, writes[1].Data, 1000)
	assert.Len(t, writes[2].Data, 500)
	for _, tx := range sent {
		assert.Len(t, tx.Message.Instructions, 1)
	}
	assert.Equal(t, payload, storedPayload(t, h, target))
}

func TestChunkWriterExactMultiple(t *testing.T) {
	h := newHarness(t, nil, true)
	payload := bytes.Repeat([]byte{1}, 2000)
	target := seedBuffer(t, h, len(payload))

	require.NoError(t, h.writer.Write(context.Background(), h.programID, target, payload, h.payer))
	assert.Len(t, h.ledger.Sent(), 2)
	assert.Equal(t, payload, storedPayload(t, h, target))
}

func TestChunkWriterAbortsOnFailure(t *testing.T) {
	h := newHarness(t, nil, true)
	payload := bytes.Repeat([]byte{7}, 2500)
	target := seedBuffer(t, h, len(payload))
	h.ledger.FailSend(1, nil)

	err := h.writer.Write(context.Background(), h.programID, target, payload, h.payer)
	require.ErrorIs(t, err, chain.ErrTransactionFailed)
	assert.Contains(t, err.Error(), "chunk 1")
	assert.Len(t, h.ledger.Sent(), 1)
	assert.Len(t, storedPayload(t, h, target), 1000)
}

func TestChunkWriterResumesFromCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	h := newHarness(t, store, true)
	ctx := context.Background()
	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i)
	}
	target := seedBuffer(t, h, len(payload))
	h.ledger.FailSend(2, nil)

	err := h.writer.Write(ctx, h.programID, target, payload, h.payer)
	require.ErrorIs(t, err, chain.ErrTransactionFailed)

	offset, ok, err := store.Load(ctx, checkpoint.NewKey(target, payload))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2000, offset)

	written := len(storedPayload(t, h, target))
	require.Equal(t, offset, written)
	require.NoError(t, h.writer.Resume(ctx, h.programID, target, payload, written, h.payer))
	assert.Len(t, h.ledger.Sent(), 3)
	assert.Equal(t, payload, storedPayload(t, h, target))

	_, ok, err = store.Load(ctx, checkpoint.NewKey(target, payload))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChunkWriterResumePrefersAccountLength(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	h := newHarness(t, store, true)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{3}, 2500)
	target := seedBuffer(t, h, len(payload))

	// The second chunk landed but its checkpoint was never saved.
	require.NoError(t, h.writer.Write(ctx, h.programID, target, payload[:2000], h.payer))
	require.NoError(t, store.Save(ctx, checkpoint.NewKey(target, payload), 1000))

	require.NoError(t, h.writer.Resume(ctx, h.programID, target, payload, 2000, h.payer))
	writes := writeOps(t, h.ledger.Sent())
	require.Len(t, writes, 3)
	assert.Len(t, writes[2].Data, 500)
	assert.Equal(t, payload, storedPayload(t, h, target))

	err := h.writer.Resume(ctx, h.programID, target, payload, len(payload)+1, h.payer)
	require.Error(t, err)
}

func TestInitAndFetch(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	doc := largeDocument(120)

	payload, err := idl.Encode(doc)
	require.NoError(t, err)
	require.Greater(t, len(payload), 2*idlclient.DefaultChunkSize)

	idlAddress, err := h.service.Init(ctx, h.programID, doc, h.payer)
	require.NoError(t, err)
	assert.Equal(t, idl.MustCanonicalAddress(h.programID), idlAddress)

	assert.Len(t, h.ledger.Sent(), 1+chunkCount(payload))

	account, ok := h.ledger.Account(idlAddress)
	require.True(t, ok)
	assert.Len(t, account.Data, idl.AccountHeaderSize+2*len(payload))

	fromProgram, err := h.service.Fetch(ctx, h.programID)
	require.NoError(t, err)
	assert.True(t, doc.Equal(fromProgram))

	fromAddress, err := h.service.Fetch(ctx, idlAddress)
	require.NoError(t, err)
	assert.True(t, doc.Equal(fromAddress))

	authority, err := h.service.Authority(ctx, h.programID)
	require.NoError(t, err)
	assert.Equal(t, h.payer.PublicKey(), authority)
}

func TestInitResumesInterruptedUpload(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	h := newHarness(t, store, true)
	ctx := context.Background()
	doc := largeDocument(200)

	payload, err := idl.Encode(doc)
	require.NoError(t, err)
	require.Greater(t, len(payload), 3*idlclient.DefaultChunkSize)

	// Create and two chunks succeed, the third chunk is lost.
	h.ledger.FailSend(3, nil)
	idlAddress, err := h.service.Init(ctx, h.programID, doc, h.payer)
	require.ErrorIs(t, err, chain.ErrTransactionFailed)
	assert.Contains(t, err.Error(), "write chunk 2 at offset 2000")
	assert.Len(t, storedPayload(t, h, idlAddress), 2000)

	offset, ok, err := store.Load(ctx, checkpoint.NewKey(idlAddress, payload))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2000, offset)

	resumed, err := h.service.Init(ctx, h.programID, doc, h.payer)
	require.NoError(t, err)
	assert.Equal(t, idlAddress, resumed)

	sent := h.ledger.Sent()
	assert.Len(t, sent, 1+chunkCount(payload))
	assert.Equal(t, 1, countOps(t, sent, idl.OpCreate))

	fetched, err := h.service.Fetch(ctx, h.programID)
	require.NoError(t, err)
	assert.True(t, doc.Equal(fetched))

	_, ok, err = store.Load(ctx, checkpoint.NewKey(idlAddress, payload))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitResumesWithoutCheckpointStore(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	doc := largeDocument(200)
	payload, err := idl.Encode(doc)
	require.NoError(t, err)

	h.ledger.FailSend(2, nil)
	_, err = h.service.Init(ctx, h.programID, doc, h.payer)
	require.ErrorIs(t, err, chain.ErrTransactionFailed)

	_, err = h.service.Init(ctx, h.programID, doc, h.payer)
	require.NoError(t, err)
	assert.Len(t, h.ledger.Sent(), 1+chunkCount(payload))

	fetched, err := h.service.Fetch(ctx, h.programID)
	require.NoError(t, err)
	assert.True(t, doc.Equal(fetched))

	// A completed upload is left alone.
	sent := len(h.ledger.Sent())
	_, err = h.service.Init(ctx, h.programID, doc, h.payer)
	require.NoError(t, err)
	assert.Len(t, h.ledger.Sent(), sent)
}

func TestInitRefusesForeignAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("different idl", func(t *testing.T) {
		h := newHarness(t, nil, true)
		_, err := h.service.Init(ctx, h.programID, smallDocument(), h.payer)
		require.NoError(t, err)
		sent := len(h.ledger.Sent())

		next := smallDocument()
		next.Version = "0.9.0"
		_, err = h.service.Init(ctx, h.programID, next, h.payer)
		require.ErrorIs(t, err, idlclient.ErrNotResumable)
		assert.Len(t, h.ledger.Sent(), sent)
	})

	t.Run("other authority", func(t *testing.T) {
		h := newHarness(t, nil, true)
		h.ledger.FailSend(1, nil)
		_, err := h.service.Init(ctx, h.programID, largeDocument(200), h.payer)
		require.ErrorIs(t, err, chain.ErrTransactionFailed)

		_, err = h.service.Init(ctx, h.programID, largeDocument(200), solana.NewWallet().PrivateKey)
		require.ErrorIs(t, err, idlclient.ErrNotResumable)
	})
}

func TestInitDropsMetadata(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()
	doc := smallDocument().WithMetadata(h.programID.String())

	_, err := h.service.Init(ctx, h.programID, doc, h.payer)
	require.NoError(t, err)

	fetched, err := h.service.Fetch(ctx, h.programID)
	require.NoError(t, err)
	assert.Nil(t, fetched.Metadata)
	assert.True(t, doc.Equal(fetched))
}

func TestUpgradeReplacesIDL(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	_, err := h.service.Init(ctx, h.programID, smallDocument(), h.payer)
	require.NoError(t, err)

	next := smallDocument()
	next.Version = "0.2.0"
	next.Errors = []idl.ErrorCode{{Code: 6000, Name: "Overflow", Msg: "counter overflow"}}

	buffer, err := h.service.Upgrade(ctx, h.programID, next, h.payer)
	require.NoError(t, err)
	assert.NotEqual(t, idl.MustCanonicalAddress(h.programID), buffer)

	fromBuffer, err := h.service.Fetch(ctx, buffer)
	require.NoError(t, err)
	assert.True(t, next.Equal(fromBuffer))

	fetched, err := h.service.Fetch(ctx, h.programID)
	require.NoError(t, err)
	assert.True(t, next.Equal(fetched))
}

func TestWriteBufferUsesFreshAccounts(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	first, err := h.service.WriteBuffer(ctx, h.programID, smallDocument(), h.payer)
	require.NoError(t, err)
	second, err := h.service.WriteBuffer(ctx, h.programID, smallDocument(), h.payer)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	payload, err := idl.Encode(smallDocument())
	require.NoError(t, err)
	account, ok := h.ledger.Account(first)
	require.True(t, ok)
	assert.Equal(t, h.programID, account.Owner)
	assert.Len(t, account.Data, idl.AccountHeaderSize+len(payload))
}

func TestResumeBufferAfterFailedChunk(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	h := newHarness(t, store, true)
	ctx := context.Background()
	doc := largeDocument(200)
	payload, err := idl.Encode(doc)
	require.NoError(t, err)

	// The buffer is created and one chunk written before the failure.
	h.ledger.FailSend(2, nil)
	buffer, err := h.service.WriteBuffer(ctx, h.programID, doc, h.payer)
	require.ErrorIs(t, err, chain.ErrTransactionFailed)
	require.NotEqual(t, solana.PublicKey{}, buffer)
	assert.Len(t, storedPayload(t, h, buffer), idlclient.DefaultChunkSize)

	require.NoError(t, h.service.ResumeBuffer(ctx, h.programID, buffer, doc, h.payer))
	assert.Len(t, h.ledger.Sent(), 1+chunkCount(payload))

	fromBuffer, err := h.service.Fetch(ctx, buffer)
	require.NoError(t, err)
	assert.True(t, doc.Equal(fromBuffer))

	_, ok, err := store.Load(ctx, checkpoint.NewKey(buffer, payload))
	require.NoError(t, err)
	assert.False(t, ok)

	err = h.service.ResumeBuffer(ctx, h.programID, buffer, smallDocument(), h.payer)
	require.ErrorIs(t, err, idlclient.ErrNotResumable)

	err = h.service.ResumeBuffer(ctx, h.programID, solana.NewWallet().PublicKey(), doc, h.payer)
	require.ErrorIs(t, err, chain.ErrAccountNotFound)
}

func TestSetAuthority(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	_, err := h.service.Init(ctx, h.programID, smallDocument(), h.payer)
	require.NoError(t, err)

	next := solana.NewWallet().PrivateKey
	require.NoError(t, h.service.SetAuthority(ctx, h.programID, solana.PublicKey{}, next.PublicKey(), h.payer))

	authority, err := h.service.Authority(ctx, h.programID)
	require.NoError(t, err)
	assert.Equal(t, next.PublicKey(), authority)

	err = h.service.SetAuthority(ctx, h.programID, solana.PublicKey{}, h.payer.PublicKey(), h.payer)
	require.ErrorIs(t, err, chain.ErrTransactionFailed)
}

func TestEraseAuthority(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	_, err := h.service.Init(ctx, h.programID, smallDocument(), h.payer)
	require.NoError(t, err)

	require.NoError(t, h.service.EraseAuthority(ctx, h.programID, h.payer))
	require.Len(t, h.prompts, 1)

	authority, err := h.service.Authority(ctx, h.programID)
	require.NoError(t, err)
	assert.Equal(t, solana.PublicKey{}, authority)

	sent := len(h.ledger.Sent())
	require.NoError(t, h.service.EraseAuthority(ctx, h.programID, h.payer))
	assert.Len(t, h.ledger.Sent(), sent)
	assert.Len(t, h.prompts, 1)

	_, err = h.service.Upgrade(ctx, h.programID, smallDocument(), h.payer)
	require.ErrorIs(t, err, chain.ErrTransactionFailed)
}

func TestEraseAuthorityDeclined(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	_, err := h.service.Init(ctx, h.programID, smallDocument(), h.payer)
	require.NoError(t, err)
	sent := len(h.ledger.Sent())

	require.NoError(t, h.service.EraseAuthority(ctx, h.programID, h.payer))
	assert.Len(t, h.ledger.Sent(), sent)

	authority, err := h.service.Authority(ctx, h.programID)
	require.NoError(t, err)
	assert.Equal(t, h.payer.PublicKey(), authority)
}

func TestFetchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		h := newHarness(t, nil, true)
		_, err := h.service.Fetch(ctx, h.programID)
		require.ErrorIs(t, err, chain.ErrAccountNotFound)
	})

	t.Run("empty account", func(t *testing.T) {
		h := newHarness(t, nil, true)
		address := solana.NewWallet().PublicKey()
		h.ledger.SetAccount(address, chaintest.Account{Owner: h.programID, Lamports: 1})

		_, err := h.service.Fetch(ctx, address)
		require.ErrorIs(t, err, chain.ErrAccountNotFound)
		assert.NotErrorIs(t, err, idl.ErrDiscriminatorMismatch)
	})

	t.Run("wrong discriminator", func(t *testing.T) {
		h := newHarness(t, nil, true)
		address := solana.NewWallet().PublicKey()
		h.ledger.SetAccount(address, chaintest.Account{Owner: h.programID, Lamports: 1, Data: bytes.Repeat([]byte{1}, 64)})

		_, err := h.service.Fetch(ctx, address)
		require.ErrorIs(t, err, idl.ErrDiscriminatorMismatch)
	})

	t.Run("corrupt payload", func(t *testing.T) {
		h := newHarness(t, nil, true)
		address := solana.NewWallet().PublicKey()
		data, err := idl.MarshalAccount(&idl.Account{Authority: h.payer.PublicKey(), Data: []byte("not zlib")})
		require.NoError(t, err)
		h.ledger.SetAccount(address, chaintest.Account{Owner: h.programID, Lamports: 1, Data: data})

		_, err = h.service.Fetch(ctx, address)
		require.ErrorIs(t, err, idl.ErrDecode)
	})
}
