package kademlia

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/zde37/kademlia/pkg/keyspace"
)

// LoadOrCreateIdentity reads the node id stored at path, or generates a random
// one and writes it there. created reports whether a new id was generated.
func LoadOrCreateIdentity(fs afero.Fs, path string) (id keyspace.ID, created bool, err error) {
	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		id, err = keyspace.ParseHex(strings.TrimSpace(string(data)))
		if err != nil {
			return id, false, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		return id, false, nil

	case errors.Is(err, os.ErrNotExist):
		// fall through and generate one

	default:
		return id, false, fmt.Errorf("failed to read identity file: %w", err)
	}

	id = keyspace.RandomID()

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o700); err != nil {
			return id, false, fmt.Errorf("failed to create identity directory: %w", err)
		}
	}
	if err := afero.WriteFile(fs, path, []byte(id.String()+"\n"), 0o600); err != nil {
		return id, false, fmt.Errorf("failed to write identity file: %w", err)
	}
	return id, true, nil
}
