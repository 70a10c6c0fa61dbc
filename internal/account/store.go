package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// invalidEmailChar matches anything outside [a-zA-Z0-9@.], replaced by
// "_" when deriving a credential filename from an email.
var invalidEmailChar = regexp.MustCompile(`[^a-zA-Z0-9@.]`)

// sanitizeFilenameFromEmail produces the "<sanitized-email>.json"
// filename convention, falling back to a timestamped name when email is
// empty.
func sanitizeFilenameFromEmail(email string) string {
	if email == "" {
		return fmt.Sprintf("oauth-%d.json", time.Now().UnixMilli())
	}
	return invalidEmailChar.ReplaceAllString(email, "_") + ".json"
}

// validateDeleteName rejects path separators, "..", and anything not
// ending in ".json".
func validateDeleteName(name string) error {
	if name == "" {
		return fmt.Errorf("account store: empty filename")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("account store: filename must not contain path separators: %q", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("account store: filename must not contain '..': %q", name)
	}
	if !strings.HasSuffix(name, ".json") {
		return fmt.Errorf("account store: filename must end in .json: %q", name)
	}
	return nil
}

// scanDir lists every JSON credential record under dir that carries
// access_token, refresh_token, and at least one of token_type/scope.
// Malformed or incomplete files are skipped, not fatal.
func scanDir(dir string) ([]*Account, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("account store: ensure auth dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("account store: read auth dir: %w", err)
	}

	var out []*Account
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		acct, ok := loadCredentialFile(path, entry.Name())
		if !ok {
			continue
		}
		out = append(out, acct)
	}
	return out, nil
}

func loadCredentialFile(path, name string) (*Account, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, false
	}

	if creds.AccessToken == "" || creds.RefreshToken == "" {
		return nil, false
	}
	if creds.TokenType == "" && creds.Scope == "" {
		return nil, false
	}

	id := strings.TrimSuffix(name, ".json")
	return &Account{ID: id, FilePath: path, Credentials: creds}, true
}

// writeCredentialFile atomically persists an account's credentials:
// write to a temp file in the same directory, then rename into place,
// keeping permissions restrictive.
func writeCredentialFile(path string, creds Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("account store: marshal credentials: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".creds-*.tmp")
	if err != nil {
		return fmt.Errorf("account store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("account store: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("account store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("account store: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("account store: rename into place: %w", err)
	}
	return nil
}

// deleteCredentialFile validates name and removes it from dir.
func deleteCredentialFile(dir, name string) error {
	if err := validateDeleteName(name); err != nil {
		return err
	}
	return os.Remove(filepath.Join(dir, name))
}
