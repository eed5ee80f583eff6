// Package credentials resolves login credentials from flags or from an INI
// file in the user's home directory.
package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/amirimatin/go-replset/pkg/client"
)

// DefaultFile is looked up in the home directory.
const DefaultFile = ".mongodb.cnf"

const (
	section     = "client"
	userKey     = "user"
	passwordKey = "pass"
)

// ErrIncomplete means the file exists but lacks the user or the password.
var ErrIncomplete = errors.New("credentials: incomplete credentials file")

// DefaultPath returns ~/.mongodb.cnf, or "" when the home directory is
// unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DefaultFile)
}

// Load reads [client] user and pass from path. ok is false when the file
// does not exist.
func Load(path string) (c client.Credentials, ok bool, err error) {
	if path == "" {
		return c, false, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, false, nil
		}
		return c, false, fmt.Errorf("credentials: read %s: %w", path, err)
	}
	sec, err := f.GetSection(section)
	if err != nil {
		return c, false, fmt.Errorf("%w: %s has no [%s] section", ErrIncomplete, path, section)
	}
	if !sec.HasKey(userKey) || !sec.HasKey(passwordKey) {
		return c, false, fmt.Errorf("%w: %s needs %q and %q in [%s]", ErrIncomplete, path, userKey, passwordKey, section)
	}
	c.User = sec.Key(userKey).String()
	c.Password = sec.Key(passwordKey).String()
	return c, true, nil
}

// Resolve returns the flag values when either is set. Only when both are
// empty is the file consulted; a missing or incomplete file then yields no
// credentials. Whether a half-set pair is acceptable is for the caller to
// decide.
func Resolve(user, password, path string) (client.Credentials, error) {
	if user != "" || password != "" {
		return client.Credentials{User: user, Password: password}, nil
	}
	c, ok, err := Load(path)
	if errors.Is(err, ErrIncomplete) {
		return client.Credentials{}, nil
	}
	if err != nil || !ok {
		return client.Credentials{}, err
	}
	return c, nil
}
