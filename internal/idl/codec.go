package idl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Encode drops the local metadata, serializes the document to JSON and
// zlib-compresses it at the default level. The result is what gets stored in
// an IDL account's data field.
func Encode(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("encode idl: nil document")
	}
	body, err := json.Marshal(doc.WithoutMetadata())
	if err != nil {
		return nil, fmt.Errorf("marshal idl: %w", err)
	}

	var out bytes.Buffer
	w, err := zlib.NewWriterLevel(&out, zlib.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("init zlib writer: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("compress idl: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish idl compression: %w", err)
	}
	return out.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(payload []byte) (*Document, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: open zlib stream: %v", ErrDecode, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate idl: %v", ErrDecode, err)
	}
	return ParseJSON(body)
}
