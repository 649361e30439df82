package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Secrets are loaded from a KEY=VALUE env file. All of them are required at
// startup; a missing key is a fatal configuration error.
type Secrets struct {
	BotToken      string
	DiskToken     string
	DiskAppID     string
	DiskAppSecret string
}

const (
	EnvBotToken      = "BOT_TOKEN"
	EnvDiskToken     = "DISK_TOKEN"
	EnvDiskAppID     = "DISK_APP_ID"
	EnvDiskAppSecret = "DISK_APP_SECRET"
)

// LoadSecrets reads the env file and returns the required secrets.
// Process environment variables override file values, so deployments can
// inject tokens without a file at all (the file must still exist for the
// /code flow to persist a refreshed token).
func LoadSecrets(path string) (Secrets, error) {
	vars, err := parseEnvFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Secrets{}, err
	}

	get := func(key string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return vars[key]
	}

	s := Secrets{
		BotToken:      get(EnvBotToken),
		DiskToken:     get(EnvDiskToken),
		DiskAppID:     get(EnvDiskAppID),
		DiskAppSecret: get(EnvDiskAppSecret),
	}

	var missing []string
	if s.BotToken == "" {
		missing = append(missing, EnvBotToken)
	}
	if s.DiskToken == "" {
		missing = append(missing, EnvDiskToken)
	}
	if s.DiskAppID == "" {
		missing = append(missing, EnvDiskAppID)
	}
	if s.DiskAppSecret == "" {
		missing = append(missing, EnvDiskAppSecret)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Secrets{}, fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return s, nil
}

func parseEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return vars, nil
}

// UpdateEnvVar rewrites a single KEY=VALUE entry in the env file in place,
// preserving every other line (comments and ordering included). A key that is
// not present yet is appended. Used to persist a refreshed disk token across
// restarts.
func UpdateEnvVar(path, key, value string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(b), "\n")
	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		k, _, ok := strings.Cut(trimmed, "=")
		if ok && strings.TrimSpace(k) == key {
			lines[i] = key + "=" + value
			replaced = true
			break
		}
	}
	if !replaced {
		// Keep a trailing newline tidy: append before a final empty line if present.
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = append(lines[:n-1], key+"="+value, "")
		} else {
			lines = append(lines, key+"="+value)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), info.Mode().Perm())
}
