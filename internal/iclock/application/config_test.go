package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ICLOCK_CONFIG", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.StaleAfter)
	assert.Equal(t, "\n", cfg.Separator())
	assert.Equal(t, DefaultLimits, cfg.Limits())
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iclock.yaml")
	data := "use_crlf: true\nstale_after: 30s\ncommand_history: 10\nattendance_syntax: GET_ATTLOG\ntimezone: UTC\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("ICLOCK_CONFIG", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.UseCRLF)
	assert.Equal(t, "\r\n", cfg.Separator())
	assert.Equal(t, 30*time.Second, cfg.StaleAfter)
	assert.Equal(t, 10, cfg.Limits().CommandHistory)
	assert.Equal(t, 200, cfg.Limits().PollHistory)
}

func TestLoadConfigRejectsUnknownSyntax(t *testing.T) {
	t.Setenv("ICLOCK_CONFIG", "")
	t.Setenv("ICLOCK_ATTENDANCE_SYNTAX", "SOAP")
	_, err := LoadConfig()
	assert.Error(t, err)
}
