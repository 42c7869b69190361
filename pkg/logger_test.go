package pkg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  func() *Config { return nil },
		},
		{
			name: "console format",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Format = "console"
				c.Console.NoColor = true
				return c
			},
		},
		{
			name: "stderr output",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Console.Output = "stderr"
				c.Level = "warn"
				return c
			},
		},
		{
			name: "no output",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				return c
			},
		},
		{
			name: "async with sampling",
			cfg: func() *Config {
				c := DefaultConfig()
				c.AsyncWrite = true
				c.BufferSize = 16
				c.Sampling.Enable = true
				return c
			},
		},
		{
			name: "invalid level",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Level = "loud"
				return c
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: func() *Config {
				c := DefaultConfig()
				c.File.Enable = true
				c.File.Path = ""
				return c
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLoggerFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "node.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = path

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Str("key", "abc").Msg("stored value")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stored value")
	assert.Contains(t, string(data), `"key":"abc"`)
}

func TestLoggerWithFields(t *testing.T) {
	logger := Nop()

	child := logger.WithFields(Fields{"node_id": "abcd1234"})
	grandchild := child.Component("routing")

	assert.Empty(t, logger.Fields())
	assert.Equal(t, Fields{"node_id": "abcd1234"}, child.Fields())
	assert.Equal(t, Fields{"node_id": "abcd1234", "component": "routing"}, grandchild.Fields())
}

func TestLoggerWithError(t *testing.T) {
	logger := Nop()

	assert.Same(t, logger, logger.WithError(nil))

	withErr := logger.WithError(errors.New("boom"))
	fields := withErr.Fields()
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "*errors.errorString", fields["error_type"])
}

func TestLoggerUpdateLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.Enable = false
	logger, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("debug"))
	assert.Equal(t, "debug", logger.GetLevel().String())

	assert.Error(t, logger.UpdateLevel("nope"))
	assert.Equal(t, "debug", logger.GetLevel().String())
}
