package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	creds := Credentials{APIKey: "key-123", APISecret: "secret-456"}

	blob, err := EncryptCredentials(creds, "hunter2")
	require.NoError(t, err)

	got, err := DecryptCredentials(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptCredentials(Credentials{APIKey: "k", APISecret: "s"}, "right")
	require.NoError(t, err)

	_, err = DecryptCredentials(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadCredentialsPrecedence(t *testing.T) {
	// Direct key/secret wins even when a file is configured.
	creds, err := LoadCredentials(CredentialConfig{
		APIKey:        "direct-key",
		APISecret:     "direct-secret",
		EncryptedPath: "/nonexistent",
	})
	require.NoError(t, err)
	assert.Equal(t, "direct-key", creds.APIKey)

	// Encrypted file path.
	blob, err := EncryptCredentials(Credentials{APIKey: "file-key", APISecret: "file-secret"}, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	creds, err = LoadCredentials(CredentialConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "file-key", creds.APIKey)

	// Nothing configured.
	_, err = LoadCredentials(CredentialConfig{})
	assert.Error(t, err)
}

func TestHMACHeadersAt(t *testing.T) {
	auth := &HMACAuth{Key: "api-key", Secret: "api-secret"}

	h1 := auth.HeadersAt(5000, "symbol=BTCUSDT", 1_700_000_000_000)
	h2 := auth.HeadersAt(5000, "symbol=BTCUSDT", 1_700_000_000_000)

	assert.Equal(t, "api-key", h1["X-BAPI-API-KEY"])
	assert.Equal(t, "1700000000000", h1["X-BAPI-TIMESTAMP"])
	assert.Equal(t, "5000", h1["X-BAPI-RECV-WINDOW"])
	assert.Equal(t, h1["X-BAPI-SIGN"], h2["X-BAPI-SIGN"], "same inputs sign identically")

	h3 := auth.HeadersAt(5000, "symbol=ETHUSDT", 1_700_000_000_000)
	assert.NotEqual(t, h1["X-BAPI-SIGN"], h3["X-BAPI-SIGN"], "payload participates in the signature")
}

func TestHMACAuthStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "verylongapikey", Secret: "verylongsecret"}
	s := auth.String()
	assert.NotContains(t, s, "verylongapikey")
	assert.NotContains(t, s, "verylongsecret")
	assert.Contains(t, s, "very****")
}
