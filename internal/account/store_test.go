package account

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilenameFromEmail(t *testing.T) {
	// @ and . both survive the scrub -- only characters outside
	// [a-zA-Z0-9@.] are replaced with "_".
	assert.Equal(t, "user@example.com.json", sanitizeFilenameFromEmail("user@example.com"))
	assert.Equal(t, "user_tag@example.com.json", sanitizeFilenameFromEmail("user+tag@example.com"))
}

func TestSanitizeFilenameFromEmailEmpty(t *testing.T) {
	name := sanitizeFilenameFromEmail("")
	assert.True(t, len(name) > 0)
	assert.Contains(t, name, "oauth-")
	assert.Contains(t, name, ".json")
}

func TestValidateDeleteName(t *testing.T) {
	assert.NoError(t, validateDeleteName("user_example_com.json"))

	assert.Error(t, validateDeleteName(""))
	assert.Error(t, validateDeleteName("../escape.json"))
	assert.Error(t, validateDeleteName("sub/dir.json"))
	assert.Error(t, validateDeleteName("no-extension"))
}

func TestWriteAndLoadCredentialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acct.json")

	creds := Credentials{
		AccessToken:  "tok",
		RefreshToken: "reftok",
		TokenType:    "Bearer",
		Email:        "user@example.com",
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	}

	require.NoError(t, writeCredentialFile(path, creds))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	acct, ok := loadCredentialFile(path, "acct.json")
	require.True(t, ok)
	assert.Equal(t, "acct", acct.ID)
	assert.Equal(t, "tok", acct.Credentials.AccessToken)
	assert.Equal(t, "user@example.com", acct.Credentials.Email)
}

func TestLoadCredentialFileRejectsIncompleteRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "incomplete.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"tok"}`), 0o600))

	_, ok := loadCredentialFile(path, "incomplete.json")
	assert.False(t, ok, "a record missing refresh_token must be skipped, not fatal")
}

func TestLoadCredentialFileRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))

	_, ok := loadCredentialFile(path, "bad.json")
	assert.False(t, ok)
}

func TestScanDirSkipsNonJSONAndIncomplete(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "incomplete.json"), []byte(`{"access_token":"x"}`), 0o600))

	valid := Credentials{AccessToken: "tok", RefreshToken: "reftok", TokenType: "Bearer"}
	require.NoError(t, writeCredentialFile(filepath.Join(dir, "valid.json"), valid))

	accounts, err := scanDir(dir)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "valid", accounts[0].ID)
}

func TestScanDirCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist-yet")

	accounts, err := scanDir(dir)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDeleteCredentialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "victim.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	require.NoError(t, deleteCredentialFile(dir, "victim.json"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteCredentialFileRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	err := deleteCredentialFile(dir, "../escape.json")
	assert.Error(t, err)
}
