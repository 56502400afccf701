package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// ChainConfig holds everything needed to submit and confirm transactions.
type ChainConfig struct {
	RPCURL                        string
	Commitment                    rpc.CommitmentType
	TxTimeout                     time.Duration
	ConfirmPollInterval           time.Duration
	SkipPreflight                 bool
	MaxRetries                    *uint
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
}

type IDLConfig struct {
	Chain            ChainConfig
	ReadCommitment   rpc.CommitmentType
	KeypairPath      string
	WorkspaceRoot    string
	ChunkSize        int
	CheckpointDriver string
	CheckpointDSN    string
	Log              LogConfig
}

type VerifyConfig struct {
	RPCURL         string
	Commitment     rpc.CommitmentType
	ReadCommitment rpc.CommitmentType
	WorkspaceRoot  string
	Log            LogConfig
}

const (
	defaultRPCURL    = "http://127.0.0.1:8899"
	defaultChunkSize = 1000
	maxChunkSize     = 1000
)

func LoadIDLConfig() (IDLConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return IDLConfig{}, err
	}

	chain, err := loadChainConfig()
	if err != nil {
		return IDLConfig{}, err
	}

	readCommitment, err := envCommitment("IDL_READ_COMMITMENT", rpc.CommitmentProcessed)
	if err != nil {
		return IDLConfig{}, err
	}

	keypairPath, err := expandHomePath(envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json"))
	if err != nil {
		return IDLConfig{}, fmt.Errorf("expand keypair path: %w", err)
	}

	workspaceRoot, err := loadWorkspaceRoot()
	if err != nil {
		return IDLConfig{}, err
	}

	chunkSize, err := envInt("IDL_CHUNK_SIZE", defaultChunkSize)
	if err != nil {
		return IDLConfig{}, err
	}
	if chunkSize > maxChunkSize {
		return IDLConfig{}, fmt.Errorf("invalid IDL_CHUNK_SIZE: must be <= %d", maxChunkSize)
	}

	checkpointDSN := envOrDefault("IDL_CHECKPOINT_DSN", "")
	checkpointDriver := strings.ToLower(envOrDefault("IDL_CHECKPOINT_DRIVER", "postgres"))
	switch checkpointDriver {
	case "postgres", "memory":
	default:
		return IDLConfig{}, fmt.Errorf("invalid IDL_CHECKPOINT_DRIVER: %q (expected postgres|memory)", checkpointDriver)
	}

	return IDLConfig{
		Chain:            chain,
		ReadCommitment:   readCommitment,
		KeypairPath:      keypairPath,
		WorkspaceRoot:    workspaceRoot,
		ChunkSize:        chunkSize,
		CheckpointDriver: checkpointDriver,
		CheckpointDSN:    checkpointDSN,
		Log:              buildLogConfig("IDL", "idl"),
	}, nil
}

func LoadVerifyConfig() (VerifyConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return VerifyConfig{}, err
	}

	commitment, err := envCommitment("VERIFY_COMMITMENT", rpc.CommitmentFinalized)
	if err != nil {
		return VerifyConfig{}, err
	}
	readCommitment, err := envCommitment("IDL_READ_COMMITMENT", rpc.CommitmentProcessed)
	if err != nil {
		return VerifyConfig{}, err
	}
	workspaceRoot, err := loadWorkspaceRoot()
	if err != nil {
		return VerifyConfig{}, err
	}

	return VerifyConfig{
		RPCURL:         envOrDefault("SOLANA_RPC_URL", defaultRPCURL),
		Commitment:     commitment,
		ReadCommitment: readCommitment,
		WorkspaceRoot:  workspaceRoot,
		Log:            buildLogConfig("VERIFY", "verify"),
	}, nil
}

func loadChainConfig() (ChainConfig, error) {
	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return ChainConfig{}, err
	}
	txTimeout, err := envDuration("IDL_TX_TIMEOUT", 60*time.Second)
	if err != nil {
		return ChainConfig{}, err
	}
	pollInterval, err := envDuration("IDL_CONFIRM_POLL_INTERVAL", 700*time.Millisecond)
	if err != nil {
		return ChainConfig{}, err
	}
	skipPreflight, err := envBool("IDL_SKIP_PREFLIGHT", true)
	if err != nil {
		return ChainConfig{}, err
	}
	maxRetries, err := envOptionalUint("IDL_MAX_RETRIES")
	if err != nil {
		return ChainConfig{}, err
	}
	cuLimit, err := envUint32("IDL_COMPUTE_UNIT_LIMIT", 0)
	if err != nil {
		return ChainConfig{}, err
	}
	cuPrice, err := envUint64("IDL_COMPUTE_UNIT_PRICE_MICRO_LAMPORTS", 0)
	if err != nil {
		return ChainConfig{}, err
	}

	return ChainConfig{
		RPCURL:                        envOrDefault("SOLANA_RPC_URL", defaultRPCURL),
		Commitment:                    commitment,
		TxTimeout:                     txTimeout,
		ConfirmPollInterval:           pollInterval,
		SkipPreflight:                 skipPreflight,
		MaxRetries:                    maxRetries,
		ComputeUnitLimit:              cuLimit,
		ComputeUnitPriceMicroLamports: cuPrice,
	}, nil
}

func loadWorkspaceRoot() (string, error) {
	root, err := expandHomePath(envOrDefault("WORKSPACE_ROOT", "."))
	if err != nil {
		return "", fmt.Errorf("expand WORKSPACE_ROOT: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve WORKSPACE_ROOT: %w", err)
	}
	return abs, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".idlctl", "logs", serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envOptionalUint(key string) (*uint, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	out := uint(v)
	return &out, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
