// Package workspace locates build artifacts under an explicit project root.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/idlctl/internal/idl"
)

type Root struct {
	dir string
}

func NewRoot(dir string) (Root, error) {
	if strings.TrimSpace(dir) == "" {
		return Root{}, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, fmt.Errorf("resolve workspace root %q: %w", dir, err)
	}
	return Root{dir: abs}, nil
}

func (r Root) Dir() string {
	return r.dir
}

// Path joins elem onto the root. Absolute elements are returned unchanged.
func (r Root) Path(elem ...string) string {
	joined := filepath.Join(elem...)
	if filepath.IsAbs(joined) {
		return joined
	}
	return filepath.Join(r.dir, joined)
}

// LibName is the crate library name of a program: dashes become underscores.
func LibName(program string) string {
	return strings.ReplaceAll(program, "-", "_")
}

// VerifiableBinaryPath is where a reproducible build leaves the program
// binary.
func (r Root) VerifiableBinaryPath(program string) string {
	return r.Path("target", "verifiable", LibName(program)+".so")
}

func (r Root) IDLPath(program string) string {
	return r.Path("target", "idl", LibName(program)+".json")
}

// PersistTestIDL annotates doc with the deployed program address and writes
// it where test tooling looks for it.
func (r Root) PersistTestIDL(doc *idl.Document, programID solana.PublicKey) (string, error) {
	path := r.IDLPath(doc.Name)
	if err := idl.WriteJSON(doc.WithMetadata(programID.String()), path); err != nil {
		return "", err
	}
	return path, nil
}
