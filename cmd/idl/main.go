package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/idlctl/internal/chain"
	"github.com/coldbell/idlctl/internal/checkpoint"
	"github.com/coldbell/idlctl/internal/config"
	"github.com/coldbell/idlctl/internal/idl"
	"github.com/coldbell/idlctl/internal/idlclient"
	"github.com/coldbell/idlctl/internal/logging"
	"github.com/coldbell/idlctl/internal/workspace"
)

const usage = `usage: idl <command> [flags]

commands:
  init             create the canonical IDL account and upload an IDL
  write-buffer     upload an IDL into a new buffer account, or finish an
                   interrupted upload with --buffer
  set-buffer       replace the canonical IDL with a buffer
  upgrade          write-buffer followed by set-buffer
  set-authority    hand the IDL account to a new authority
  erase-authority  permanently remove the IDL authority
  authority        print the current IDL authority
  fetch            print the IDL of a program or IDL account
`

type app struct {
	cfg     config.IDLConfig
	logger  *slog.Logger
	root    workspace.Root
	service *idlclient.Service
	store   checkpoint.Store
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes one command and returns the process exit code. Deferred
// cleanup runs before main exits.
func run(args []string) int {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cfg, err := config.LoadIDLConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		return 1
	}

	logger, closeLogger, err := logging.New("idl", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		return 1
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Debug("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize idl client", "err", err)
		return 1
	}
	defer func() {
		if a.store != nil {
			_ = a.store.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, args[0], args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		logger.Error("idl command failed", "command", args[0], "err", err)
		return 1
	}
	return 0
}

func newApp(cfg config.IDLConfig, logger *slog.Logger) (*app, error) {
	root, err := workspace.NewRoot(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	var store checkpoint.Store
	if cfg.CheckpointDSN != "" || cfg.CheckpointDriver == "memory" {
		store, err = checkpoint.Open(cfg.CheckpointDriver, cfg.CheckpointDSN)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
	}

	client := chain.NewRPC(cfg.Chain.RPCURL)
	sender := chain.NewSender(client, chain.SenderConfig{
		Commitment:                    cfg.Chain.Commitment,
		SkipPreflight:                 cfg.Chain.SkipPreflight,
		MaxRetries:                    cfg.Chain.MaxRetries,
		TxTimeout:                     cfg.Chain.TxTimeout,
		ConfirmPollInterval:           cfg.Chain.ConfirmPollInterval,
		ComputeUnitLimit:              cfg.Chain.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.Chain.ComputeUnitPriceMicroLamports,
	}, logger)
	writer := idlclient.NewChunkWriter(sender, cfg.ChunkSize, store, logger)
	service := idlclient.NewService(idlclient.ServiceConfig{
		ReadCommitment:  cfg.ReadCommitment,
		WriteCommitment: cfg.Chain.Commitment,
	}, client, sender, writer, stdinConfirmer(os.Stdin, os.Stderr), logger)

	return &app{cfg: cfg, logger: logger, root: root, service: service, store: store}, nil
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "init":
		return a.runInit(ctx, args)
	case "write-buffer":
		return a.runWriteBuffer(ctx, args)
	case "set-buffer":
		return a.runSetBuffer(ctx, args)
	case "upgrade":
		return a.runUpgrade(ctx, args)
	case "set-authority":
		return a.runSetAuthority(ctx, args)
	case "erase-authority":
		return a.runEraseAuthority(ctx, args)
	case "authority":
		return a.runAuthority(ctx, args)
	case "fetch":
		return a.runFetch(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	programID := fs.String("program-id", "", "program id")
	filePath := fs.String("filepath", "", "path to the IDL JSON file")
	persist := fs.Bool("persist", false, "also write the IDL with metadata to target/idl")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pid, doc, err := a.programAndDocument(*programID, *filePath)
	if err != nil {
		return err
	}
	payer, err := a.keypair()
	if err != nil {
		return err
	}

	idlAddress, err := a.service.Init(ctx, pid, doc, payer)
	if err != nil {
		return err
	}
	fmt.Printf("Idl account created: %s\n", idlAddress)

	if *persist {
		path, err := a.root.PersistTestIDL(doc, pid)
		if err != nil {
			return err
		}
		a.logger.Info("idl persisted", "path", path)
	}
	return nil
}

func (a *app) runWriteBuffer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("write-buffer", flag.ContinueOnError)
	programID := fs.String("program-id", "", "program id")
	filePath := fs.String("filepath", "", "path to the IDL JSON file")
	bufferFlag := fs.String("buffer", "", "existing buffer to finish writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pid, doc, err := a.programAndDocument(*programID, *filePath)
	if err != nil {
		return err
	}
	authority, err := a.keypair()
	if err != nil {
		return err
	}

	if *bufferFlag != "" {
		buffer, err := parsePubkey("buffer", *bufferFlag)
		if err != nil {
			return err
		}
		if err := a.service.ResumeBuffer(ctx, pid, buffer, doc, authority); err != nil {
			return err
		}
		fmt.Printf("Idl buffer written: %s\n", buffer)
		return nil
	}

	buffer, err := a.service.WriteBuffer(ctx, pid, doc, authority)
	if err != nil {
		if !buffer.Equals(solana.PublicKey{}) {
			a.logger.Warn("idl buffer left partially written, rerun with --buffer to finish", "buffer", buffer)
		}
		return err
	}
	fmt.Printf("Idl buffer created: %s\n", buffer)
	return nil
}

func (a *app) runSetBuffer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("set-buffer", flag.ContinueOnError)
	programID := fs.String("program-id", "", "program id")
	bufferFlag := fs.String("buffer", "", "buffer address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pid, err := parsePubkey("program-id", *programID)
	if err != nil {
		return err
	}
	buffer, err := parsePubkey("buffer", *bufferFlag)
	if err != nil {
		return err
	}
	authority, err := a.keypair()
	if err != nil {
		return err
	}
	return a.service.SetBuffer(ctx, pid, buffer, authority)
}

func (a *app) runUpgrade(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	programID := fs.String("program-id", "", "program id")
	filePath := fs.String("filepath", "", "path to the IDL JSON file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pid, doc, err := a.programAndDocument(*programID, *filePath)
	if err != nil {
		return err
	}
	authority, err := a.keypair()
	if err != nil {
		return err
	}

	buffer, err := a.service.Upgrade(ctx, pid, doc, authority)
	if err != nil {
		return err
	}
	fmt.Printf("Idl upgraded from buffer %s\n", buffer)
	return nil
}

func (a *app) runSetAuthority(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("set-authority", flag.ContinueOnError)
	programID := fs.String("program-id", "", "program id")
	address := fs.String("address", "", "IDL account (defaults to the canonical account)")
	newAuthorityFlag := fs.String("new-authority", "", "new authority")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pid, err := parsePubkey("program-id", *programID)
	if err != nil {
		return err
	}
	var target solana.PublicKey
	if *address != "" {
		if target, err = parsePubkey("address", *address); err != nil {
			return err
		}
	}
	newAuthority, err := parsePubkey("new-authority", *newAuthorityFlag)
	if err != nil {
		return err
	}
	authority, err := a.keypair()
	if err != nil {
		return err
	}
	if err := a.service.SetAuthority(ctx, pid, target, newAuthority, authority); err != nil {
		return err
	}
	fmt.Printf("Authority update complete.\n")
	return nil
}

func (a *app) runEraseAuthority(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("erase-authority", flag.ContinueOnError)
	programID := fs.String("program-id", "", "program id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pid, err := parsePubkey("program-id", *programID)
	if err != nil {
		return err
	}
	authority, err := a.keypair()
	if err != nil {
		return err
	}
	return a.service.EraseAuthority(ctx, pid, authority)
}

func (a *app) runAuthority(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("authority", flag.ContinueOnError)
	programID := fs.String("program-id", "", "program id or IDL account")
	if err := fs.Parse(args); err != nil {
		return err
	}
	address, err := parsePubkey("program-id", *programID)
	if err != nil {
		return err
	}
	authority, err := a.service.Authority(ctx, address)
	if err != nil {
		return err
	}
	fmt.Println(authority)
	return nil
}

func (a *app) runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	out := fs.String("out", "", "write the IDL to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("fetch takes exactly one program or IDL account address")
	}
	address, err := parsePubkey("address", fs.Arg(0))
	if err != nil {
		return err
	}
	doc, err := a.service.Fetch(ctx, address)
	if err != nil {
		return err
	}
	outPath := *out
	if outPath != "" {
		outPath = a.root.Path(outPath)
	}
	return idl.WriteJSON(doc, outPath)
}

func (a *app) programAndDocument(programID, filePath string) (solana.PublicKey, *idl.Document, error) {
	pid, err := parsePubkey("program-id", programID)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	if filePath == "" {
		return solana.PublicKey{}, nil, errors.New("missing --filepath")
	}
	doc, err := idl.ReadFile(a.root.Path(filePath))
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	return pid, doc, nil
}

func (a *app) keypair() (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(a.cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", a.cfg.KeypairPath, err)
	}
	return key, nil
}

func parsePubkey(name, raw string) (solana.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return solana.PublicKey{}, fmt.Errorf("missing --%s", name)
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return pk, nil
}

func stdinConfirmer(in io.Reader, out io.Writer) idlclient.Confirmer {
	reader := bufio.NewReader(in)
	return idlclient.ConfirmFunc(func(_ context.Context, prompt string) (bool, error) {
		fmt.Fprintf(out, "%s [y/N] ", prompt)
		answer, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	})
}
