package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-replset/pkg/client"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	p := writeFile(t, "[client]\nuser = admin\npass = s3cret\n")
	c, ok, err := Load(p)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, client.Credentials{User: "admin", Password: "s3cret"}, c)
}

func TestLoadMissingFile(t *testing.T) {
	_, ok, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadIncomplete(t *testing.T) {
	_, _, err := Load(writeFile(t, "[client]\nuser = admin\n"))
	assert.ErrorIs(t, err, ErrIncomplete)
	_, _, err = Load(writeFile(t, "[server]\nuser = admin\npass = x\n"))
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestResolvePrefersFlags(t *testing.T) {
	p := writeFile(t, "[client]\nuser = admin\npass = s3cret\n")

	c, err := Resolve("root", "pw", p)
	require.NoError(t, err)
	assert.Equal(t, "root", c.User)

	// A half-set pair is passed through untouched.
	c, err = Resolve("root", "", p)
	require.NoError(t, err)
	assert.Equal(t, client.Credentials{User: "root"}, c)

	c, err = Resolve("", "", p)
	require.NoError(t, err)
	assert.Equal(t, "admin", c.User)
	assert.Equal(t, "s3cret", c.Password)
}

func TestResolveWithoutFile(t *testing.T) {
	c, err := Resolve("", "", filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.True(t, c.Empty())

	c, err = Resolve("", "", writeFile(t, "[client]\npass = x\n"))
	require.NoError(t, err)
	assert.True(t, c.Empty())
}
