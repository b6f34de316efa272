package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CredentialKeys are the only env keys the control plane may rewrite.
var CredentialKeys = []string{
	"BINANCE_API_KEY",
	"BINANCE_API_SECRET",
	"KRAKEN_API_KEY",
	"KRAKEN_API_SECRET",
}

// IsCredentialKey reports whether key may be updated via the control plane.
func IsCredentialKey(key string) bool {
	for _, k := range CredentialKeys {
		if k == key {
			return true
		}
	}
	return false
}

var envFileMu sync.Mutex

// WriteEnvUpdates rewrites the env file at path with the given key/value
// updates applied. Existing lines for updated keys are replaced in place,
// unknown lines are preserved verbatim, and missing keys are appended. The
// file is replaced atomically via a temp file so a crash mid-write cannot
// leave a truncated config behind.
func WriteEnvUpdates(path string, updates map[string]string) error {
	if len(updates) == 0 {
		return fmt.Errorf("no updates given")
	}
	envFileMu.Lock()
	defer envFileMu.Unlock()

	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) == 1 && lines[0] == "" {
			lines = nil
		}
	case os.IsNotExist(err):
		// First write creates the file.
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	written := make(map[string]bool, len(updates))
	for i, line := range lines {
		key, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if val, hit := updates[key]; hit {
			lines[i] = key + "=" + val
			written[key] = true
		}
	}
	// Append keys the file did not yet contain, in the declared order so
	// output stays deterministic.
	for _, key := range CredentialKeys {
		if val, hit := updates[key]; hit && !written[key] {
			lines = append(lines, key+"="+val)
			written[key] = true
		}
	}
	for key, val := range updates {
		if !written[key] {
			lines = append(lines, key+"="+val)
		}
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
