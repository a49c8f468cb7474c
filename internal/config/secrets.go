package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	cliTokenFile  = "cli-api-token"
	jwtSecretFile = "jwt-secret"
)

// EnsureSecrets fills CLIAPIToken and JWTSecret from files under DataDir,
// generating and persisting them on first start. Configured values win.
// It reports whether a new CLI token was generated.
func EnsureSecrets(cfg *Config) (bool, error) {
	generated := false
	if strings.TrimSpace(cfg.CLIAPIToken) == "" {
		token, isNew, err := loadOrCreateSecret(filepath.Join(cfg.DataDir, cliTokenFile))
		if err != nil {
			return false, fmt.Errorf("cli api token: %w", err)
		}
		cfg.CLIAPIToken = token
		generated = isNew
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		secret, _, err := loadOrCreateSecret(filepath.Join(cfg.DataDir, jwtSecretFile))
		if err != nil {
			return false, fmt.Errorf("jwt secret: %w", err)
		}
		cfg.JWTSecret = secret
	}
	return generated, nil
}

// WeakToken flags operator-supplied tokens too short to resist guessing.
func WeakToken(token string) bool {
	return len(strings.TrimSpace(token)) < 16
}

func loadOrCreateSecret(path string) (string, bool, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		v := strings.TrimSpace(string(raw))
		if v == "" {
			return "", false, fmt.Errorf("%s is empty", path)
		}
		return v, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false, err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", false, err
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", false, err
	}
	return secret, true, nil
}
