package idlclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/idlctl/internal/checkpoint"
	"github.com/coldbell/idlctl/internal/idl"
)

const (
	DefaultChunkSize = 1000
	// MaxChunkSize keeps a single Write transaction under the packet limit.
	MaxChunkSize = 1000
)

// Sender submits one transaction and waits until it is confirmed.
type Sender interface {
	SendAndConfirm(ctx context.Context, payer solana.PrivateKey, instructions []solana.Instruction, extraSigners ...solana.PrivateKey) (solana.Signature, error)
}

// ChunkWriter appends a payload to an IDL or buffer account in pieces, one
// confirmed transaction per piece.
type ChunkWriter struct {
	sender    Sender
	chunkSize int
	store     checkpoint.Store
	logger    *slog.Logger
}

// NewChunkWriter returns a writer. store may be nil; progress is then only
// recoverable from the target account itself.
func NewChunkWriter(sender Sender, chunkSize int, store checkpoint.Store, logger *slog.Logger) *ChunkWriter {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		chunkSize = DefaultChunkSize
	}
	return &ChunkWriter{
		sender:    sender,
		chunkSize: chunkSize,
		store:     store,
		logger:    logger,
	}
}

func (w *ChunkWriter) ChunkSize() int {
	return w.chunkSize
}

// Write sends payload to a freshly created target in order. The program
// appends each piece, so pieces are never sent concurrently and the first
// failure stops the upload.
func (w *ChunkWriter) Write(ctx context.Context, programID, target solana.PublicKey, payload []byte, authority solana.PrivateKey) error {
	return w.writeFrom(ctx, programID, target, payload, 0, authority)
}

// Resume continues an upload into target, which already holds the first
// written bytes of payload. The on-chain length wins over a saved checkpoint
// because a chunk can land after its confirmation timed out.
func (w *ChunkWriter) Resume(ctx context.Context, programID, target solana.PublicKey, payload []byte, written int, authority solana.PrivateKey) error {
	if written < 0 || written > len(payload) {
		return fmt.Errorf("written length %d outside payload of %d bytes", written, len(payload))
	}
	key := checkpoint.NewKey(target, payload)
	if w.store != nil {
		offset, ok, err := w.store.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		switch {
		case ok && offset != written:
			w.logger.Warn("checkpoint disagrees with account, using account length",
				"target", target,
				"checkpoint", offset,
				"written", written,
			)
		case ok:
			w.logger.Debug("checkpoint matches account", "target", target, "offset", offset)
		}
	}
	w.logger.Info("resuming idl upload", "target", target, "offset", written, "bytes", len(payload))
	return w.writeFrom(ctx, programID, target, payload, written, authority)
}

func (w *ChunkWriter) writeFrom(ctx context.Context, programID, target solana.PublicKey, payload []byte, start int, authority solana.PrivateKey) error {
	key := checkpoint.NewKey(target, payload)
	for offset := start; offset < len(payload); offset += w.chunkSize {
		end := min(offset+w.chunkSize, len(payload))
		chunk := offset / w.chunkSize

		ix, err := idl.NewWriteInstruction(programID, target, authority.PublicKey(), payload[offset:end])
		if err != nil {
			return fmt.Errorf("build write instruction for chunk %d: %w", chunk, err)
		}
		sig, err := w.sender.SendAndConfirm(ctx, authority, []solana.Instruction{ix})
		if err != nil {
			return fmt.Errorf("write chunk %d at offset %d: %w", chunk, offset, err)
		}
		w.logger.Debug("idl chunk written",
			"target", target,
			"chunk", chunk,
			"offset", offset,
			"size", end-offset,
			"signature", sig,
		)

		if w.store != nil {
			if err := w.store.Save(ctx, key, end); err != nil {
				return fmt.Errorf("save checkpoint after chunk %d: %w", chunk, err)
			}
		}
	}

	if w.store != nil {
		if err := w.store.Clear(ctx, key); err != nil {
			return fmt.Errorf("clear checkpoint: %w", err)
		}
	}
	w.logger.Info("idl payload written", "target", target, "bytes", len(payload))
	return nil
}
