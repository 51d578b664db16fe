package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	BaseUrl     string `json:"base_url"`
	Concurrency int    `json:"concurrency"`
}

func TestReadConfigMergesLocalOverride(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(
		filepath.Join(dir, "ingest.json5"),
		[]byte(`{base_url: "https://rec.example.com", concurrency: 4}`),
		0644,
	)
	require.NoError(t, err)
	err = os.WriteFile(
		filepath.Join(dir, "ingest.local.json5"),
		[]byte(`{concurrency: 1}`),
		0644,
	)
	require.NoError(t, err)

	cfg, err := ReadConfig[testConfig](filepath.Join(dir, "ingest.json5"))
	require.NoError(t, err)
	require.Equal(t, "https://rec.example.com", cfg.BaseUrl)
	require.Equal(t, 1, cfg.Concurrency)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "nope.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
