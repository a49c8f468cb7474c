package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProtocolVersion is advertised to agent CLIs on every /cli response.
const ProtocolVersion = 1

type Config struct {
	ListenAddr            string        `yaml:"listen_addr"`
	DataDir               string        `yaml:"data_dir"`
	DBPath                string        `yaml:"db_path"`
	CLIAPIToken           string        `yaml:"cli_api_token"`
	JWTSecret             string        `yaml:"jwt_secret"`
	AccessTokenTTL        time.Duration `yaml:"access_token_ttl"`
	CORSOrigins           []string      `yaml:"cors_origins"`
	ActiveWindow          time.Duration `yaml:"active_window"`
	MachineOnlineWindow   time.Duration `yaml:"machine_online_window"`
	RPCTimeout            time.Duration `yaml:"rpc_timeout"`
	SpawnTimeout          time.Duration `yaml:"spawn_timeout"`
	PromptDeliveryTimeout time.Duration `yaml:"prompt_delivery_timeout"`
	MaxUploadBytes        int64         `yaml:"max_upload_bytes"`
	MaxInitialPromptChars int           `yaml:"max_initial_prompt_chars"`
	MaxPathsPerCheck      int           `yaml:"max_paths_per_check"`
	MessagePageLimit      int           `yaml:"message_page_limit"`
	SocketEventsPerSecond float64       `yaml:"socket_events_per_second"`
	SocketEventBurst      int           `yaml:"socket_event_burst"`
	AuthAttemptsPerMinute int           `yaml:"auth_attempts_per_minute"`
	SubscriberBuffer      int           `yaml:"subscriber_buffer"`
	RedisURL              string        `yaml:"redis_url"`
	RedisChannel          string        `yaml:"redis_channel"`
}

func DefaultConfig() Config {
	dataDir := defaultDataDir()
	return Config{
		ListenAddr:            "127.0.0.1:3006",
		DataDir:               dataDir,
		DBPath:                filepath.Join(dataDir, "hub.db"),
		AccessTokenTTL:        15 * time.Minute,
		ActiveWindow:          30 * time.Second,
		MachineOnlineWindow:   30 * time.Second,
		RPCTimeout:            10 * time.Second,
		SpawnTimeout:          30 * time.Second,
		PromptDeliveryTimeout: 30 * time.Second,
		MaxUploadBytes:        50 << 20,
		MaxInitialPromptChars: 100_000,
		MaxPathsPerCheck:      1000,
		MessagePageLimit:      200,
		SocketEventsPerSecond: 50,
		SocketEventBurst:      100,
		AuthAttemptsPerMinute: 30,
		SubscriberBuffer:      256,
		RedisChannel:          "agthub:events",
	}
}

// LoadFile overlays the YAML document at path onto the defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "hub.db")
	}
	return cfg, nil
}

// ApplyEnv overlays AGTHUB_* variables. lookup is os.LookupEnv outside tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("AGTHUB_LISTEN_ADDR", &cfg.ListenAddr)
	str("AGTHUB_DATA_DIR", &cfg.DataDir)
	str("AGTHUB_DB_PATH", &cfg.DBPath)
	str("CLI_API_TOKEN", &cfg.CLIAPIToken)
	str("AGTHUB_JWT_SECRET", &cfg.JWTSecret)
	str("AGTHUB_REDIS_URL", &cfg.RedisURL)
	if v, ok := lookup("AGTHUB_CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("AGTHUB_MAX_UPLOAD_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("AGTHUB_MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.MaxUploadBytes = n
	}
	for key, dst := range map[string]*time.Duration{
		"AGTHUB_ACTIVE_WINDOW": &cfg.ActiveWindow,
		"AGTHUB_RPC_TIMEOUT":   &cfg.RPCTimeout,
		"AGTHUB_SPAWN_TIMEOUT": &cfg.SpawnTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func defaultDataDir() string {
	if dir := os.Getenv("AGTHUB_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agthub"
	}
	return filepath.Join(home, ".local", "state", "agthub")
}
