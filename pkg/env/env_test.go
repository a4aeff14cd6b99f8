package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStringFromFile(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "jwt_secret")
	require.NoError(t, os.WriteFile(secret, []byte("  from-file\n"), 0o600))

	t.Setenv("JWT_SECRET", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("JWT_SECRET", ""))

	t.Setenv("JWT_SECRET_FILE", secret)
	assert.Equal(t, "from-file", GetStringFromFile("JWT_SECRET", ""))

	t.Setenv("JWT_SECRET_FILE", filepath.Join(dir, "missing"))
	assert.Equal(t, "from-env", GetStringFromFile("JWT_SECRET", ""))
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT", "45s")
	t.Setenv("DB_PORT", "not-a-number")
	t.Setenv("FLAG", "true")
	t.Setenv("ORIGINS", "http://a, ,http://b")

	assert.Equal(t, 45*time.Second, GetDuration("CALL_RING_TIMEOUT", time.Minute))
	assert.Equal(t, 26257, GetInt("DB_PORT", 26257))
	assert.True(t, GetBool("FLAG", false))
	assert.Equal(t, []string{"http://a", "http://b"}, GetSlice("ORIGINS", nil))
	assert.Equal(t, []string{"x"}, GetSlice("UNSET_VAR", []string{"x"}))
}
