package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/idlctl/internal/chain"
	"github.com/coldbell/idlctl/internal/config"
	"github.com/coldbell/idlctl/internal/idl"
	"github.com/coldbell/idlctl/internal/idlclient"
	"github.com/coldbell/idlctl/internal/loader"
	"github.com/coldbell/idlctl/internal/logging"
	"github.com/coldbell/idlctl/internal/verify"
	"github.com/coldbell/idlctl/internal/workspace"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run verifies one program and returns the process exit code. Deferred
// cleanup runs before main exits.
func run(args []string, stdout, stderr io.Writer) int {
	bootstrapLogger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	programIDFlag := fs.String("program-id", "", "deployed program id or loader buffer address")
	programName := fs.String("program", "", "program name, used to locate target/verifiable/<lib>.so and target/idl/<lib>.json")
	binaryFlag := fs.String("binary", "", "local program binary (overrides --program)")
	idlFlag := fs.String("idl", "", "local IDL JSON (overrides --program)")
	skipIDL := fs.Bool("skip-idl", false, "only compare the binary")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadVerifyConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		return 1
	}

	logger, closeLogger, err := logging.New("verify", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		return 1
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		logger.Error("invalid --program-id", "value", *programIDFlag, "err", err)
		return 1
	}
	root, err := workspace.NewRoot(cfg.WorkspaceRoot)
	if err != nil {
		logger.Error("invalid workspace root", "err", err)
		return 1
	}

	binaryPath, idlPath, err := artifactPaths(root, *programName, *binaryFlag, *idlFlag, *skipIDL)
	if err != nil {
		logger.Error("failed to locate local artifacts", "err", err)
		return 1
	}
	var localIDL *idl.Document
	if idlPath != "" {
		if localIDL, err = idl.ReadFile(idlPath); err != nil {
			logger.Error("failed to read local idl", "err", err)
			return 1
		}
	}

	client := chain.NewRPC(cfg.RPCURL)
	resolver := loader.NewResolver(client, cfg.Commitment, logger)
	idls := idlclient.NewService(idlclient.ServiceConfig{ReadCommitment: cfg.ReadCommitment}, client, nil, nil, nil, logger)
	verifier := verify.NewVerifier(resolver, idls, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := verifier.VerifyProgram(ctx, programID, binaryPath, localIDL)
	if err != nil {
		logger.Error("verification failed", "program", programID, "err", err)
		return 1
	}
	if !report.IsVerified {
		fmt.Fprintln(stderr, "Error: binaries don't match")
		return 1
	}
	if report.IDLChecked && !report.IDLVerified {
		fmt.Fprintln(stderr, "Error: IDLs don't match")
		return 1
	}

	fmt.Fprintf(stdout, "%s is verified.\n", programID)
	printState(stdout, report.State)
	return 0
}

func artifactPaths(root workspace.Root, program, binary, idlFile string, skipIDL bool) (string, string, error) {
	if binary == "" {
		if program == "" {
			return "", "", errors.New("either --binary or --program is required")
		}
		binary = root.VerifiableBinaryPath(program)
	} else {
		binary = root.Path(binary)
	}

	if skipIDL {
		return binary, "", nil
	}
	if idlFile != "" {
		return binary, root.Path(idlFile), nil
	}
	if program == "" {
		return binary, "", nil
	}
	candidate := root.IDLPath(program)
	if _, err := os.Stat(candidate); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return binary, "", nil
		}
		return "", "", fmt.Errorf("stat %q: %w", candidate, err)
	}
	return binary, candidate, nil
}

func printState(w io.Writer, state loader.State) {
	switch st := state.(type) {
	case loader.Buffer:
		fmt.Fprintln(w, "State: buffer")
		if st.Authority != nil {
			fmt.Fprintf(w, "Buffer authority: %s\n", st.Authority)
		}
	case loader.ProgramData:
		fmt.Fprintf(w, "Deployed slot: %d\n", st.Slot)
		if st.UpgradeAuthority != nil {
			fmt.Fprintf(w, "Upgrade authority: %s\n", st.UpgradeAuthority)
		} else {
			fmt.Fprintln(w, "Upgrade authority: none")
		}
	}
}
