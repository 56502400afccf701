package verify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/idlctl/internal/idl"
	"github.com/coldbell/idlctl/internal/loader"
)

// Bytes reports whether local matches deployed. The network may append
// trailing zeros to a deployed image, so a shorter local binary is zero padded
// first. A longer local binary never matches.
func Bytes(local, deployed []byte) bool {
	if len(local) < len(deployed) {
		padded := make([]byte, len(deployed))
		copy(padded, local)
		local = padded
	}
	return bytes.Equal(local, deployed)
}

// Result is the outcome of comparing a local binary with a deployment. State
// is either loader.Buffer or loader.ProgramData.
type Result struct {
	State      loader.State
	IsVerified bool
}

// Report extends Result with the IDL comparison done by VerifyProgram.
type Report struct {
	Result
	IDLChecked  bool
	IDLVerified bool
}

func (r *Report) Verified() bool {
	return r.IsVerified && (!r.IDLChecked || r.IDLVerified)
}

type Resolver interface {
	Resolve(ctx context.Context, address solana.PublicKey) (*loader.Deployment, error)
}

type IDLFetcher interface {
	Fetch(ctx context.Context, address solana.PublicKey) (*idl.Document, error)
}

type Verifier struct {
	resolver Resolver
	idls     IDLFetcher
	logger   *slog.Logger
}

func NewVerifier(resolver Resolver, idls IDLFetcher, logger *slog.Logger) *Verifier {
	return &Verifier{resolver: resolver, idls: idls, logger: logger}
}

// VerifyBinary compares the binary at binaryPath with the bytecode deployed at
// address.
func (v *Verifier) VerifyBinary(ctx context.Context, address solana.PublicKey, binaryPath string) (*Result, error) {
	local, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("read local binary %q: %w", binaryPath, err)
	}
	deployment, err := v.resolver.Resolve(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolve deployment of %s: %w", address, err)
	}

	result := &Result{
		State:      deployment.State,
		IsVerified: Bytes(local, deployment.Bytecode),
	}
	v.logger.Info("binary compared",
		"program", address,
		"local_bytes", len(local),
		"deployed_bytes", len(deployment.Bytecode),
		"verified", result.IsVerified,
	)
	return result, nil
}

// VerifyProgram verifies the binary and, when localIDL is given and address
// is a deployed program rather than a buffer, the on-chain IDL as well.
// Metadata is ignored when comparing IDLs.
func (v *Verifier) VerifyProgram(ctx context.Context, address solana.PublicKey, binaryPath string, localIDL *idl.Document) (*Report, error) {
	result, err := v.VerifyBinary(ctx, address, binaryPath)
	if err != nil {
		return nil, err
	}
	report := &Report{Result: *result}
	if !result.IsVerified || localIDL == nil {
		return report, nil
	}
	if _, isBuffer := result.State.(loader.Buffer); isBuffer {
		return report, nil
	}

	deployedIDL, err := v.idls.Fetch(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetch deployed idl of %s: %w", address, err)
	}
	report.IDLChecked = true
	report.IDLVerified = localIDL.Equal(deployedIDL)
	v.logger.Info("idl compared", "program", address, "verified", report.IDLVerified)
	return report, nil
}
