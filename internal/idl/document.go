package idl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
)

// Document is the interface definition of an on-chain program. Field order
// is the canonical serialization order. Top-level keys without a field, such
// as constants, are kept in Extra and written after the known fields in key
// order.
type Document struct {
	Version      string           `json:"version"`
	Name         string           `json:"name"`
	Instructions []Instruction    `json:"instructions"`
	State        *State           `json:"state,omitempty"`
	Accounts     []TypeDefinition `json:"accounts,omitempty"`
	Types        []TypeDefinition `json:"types,omitempty"`
	Events       []Event          `json:"events,omitempty"`
	Errors       []ErrorCode      `json:"errors,omitempty"`
	Metadata     *Metadata        `json:"metadata,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type documentFields Document

var documentKeys = []string{
	"version",
	"name",
	"instructions",
	"state",
	"accounts",
	"types",
	"events",
	"errors",
	"metadata",
}

func (d Document) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(documentFields(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return body, nil
	}

	var buf bytes.Buffer
	buf.Write(body[:len(body)-1])
	for _, key := range slices.Sorted(maps.Keys(d.Extra)) {
		if slices.Contains(documentKeys, key) {
			return nil, fmt.Errorf("extra idl key %q shadows a document field", key)
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		if err := json.Compact(&buf, d.Extra[key]); err != nil {
			return nil, fmt.Errorf("extra idl key %q: %w", key, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Document) UnmarshalJSON(body []byte) error {
	var fields documentFields
	if err := json.Unmarshal(body, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(body, &all); err != nil {
		return err
	}
	for _, key := range documentKeys {
		delete(all, key)
	}
	*d = Document(fields)
	if len(all) > 0 {
		d.Extra = all
	}
	return nil
}

// Metadata is attached locally after a deploy so tooling can find the
// program. It is never written on-chain.
type Metadata struct {
	Address string `json:"address"`
}

type Instruction struct {
	Name     string            `json:"name"`
	Docs     []string          `json:"docs,omitempty"`
	Accounts []json.RawMessage `json:"accounts"`
	Args     []Field           `json:"args"`
}

type State struct {
	Struct  TypeDefinition `json:"struct"`
	Methods []Instruction  `json:"methods"`
}

type Field struct {
	Name string          `json:"name"`
	Docs []string        `json:"docs,omitempty"`
	Type json.RawMessage `json:"type"`
}

type TypeDefinition struct {
	Name string           `json:"name"`
	Docs []string         `json:"docs,omitempty"`
	Type TypeDefinitionTy `json:"type"`
}

type TypeDefinitionTy struct {
	Kind     string        `json:"kind"`
	Fields   []Field       `json:"fields,omitempty"`
	Variants []EnumVariant `json:"variants,omitempty"`
}

type EnumVariant struct {
	Name   string          `json:"name"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

type Event struct {
	Name   string       `json:"name"`
	Fields []EventField `json:"fields"`
}

type EventField struct {
	Name  string          `json:"name"`
	Type  json.RawMessage `json:"type"`
	Index bool            `json:"index"`
}

type ErrorCode struct {
	Code uint32 `json:"code"`
	Name string `json:"name"`
	Msg  string `json:"msg,omitempty"`
}

// WithoutMetadata returns a shallow copy with Metadata cleared.
func (d *Document) WithoutMetadata() *Document {
	out := *d
	out.Metadata = nil
	return &out
}

// WithMetadata returns a shallow copy annotated with the deployed program address.
func (d *Document) WithMetadata(address string) *Document {
	out := *d
	out.Metadata = &Metadata{Address: address}
	return &out
}

// Equal reports whether both documents serialize identically once metadata
// is dropped.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	left, err := json.Marshal(d.WithoutMetadata())
	if err != nil {
		return false
	}
	right, err := json.Marshal(other.WithoutMetadata())
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// ParseJSON strictly parses a JSON encoded document.
func ParseJSON(body []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parse idl json: %v", ErrDecode, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after idl json", ErrDecode)
	}
	return &doc, nil
}

// ReadFile loads a JSON document from disk.
func ReadFile(path string) (*Document, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read idl file %q: %w", path, err)
	}
	doc, err := ParseJSON(body)
	if err != nil {
		return nil, fmt.Errorf("idl file %q: %w", path, err)
	}
	return doc, nil
}

// MarshalPretty renders the document the way it is written for humans and
// downstream tooling.
func MarshalPretty(doc *Document) ([]byte, error) {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal idl: %w", err)
	}
	return body, nil
}

// WriteJSON writes the pretty document to path, or to stdout when path is empty.
func WriteJSON(doc *Document, path string) error {
	body, err := MarshalPretty(doc)
	if err != nil {
		return err
	}
	if path == "" {
		_, err = os.Stdout.Write(append(body, '\n'))
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create idl directory for %q: %w", path, err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write idl file %q: %w", path, err)
	}
	return nil
}
