package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_OverridesOnlyGivenKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
engine:
  default_timeout: 5s
elements:
  page_size: 20
  search_debounce: 250ms
gateway:
  rate_limit: 2.5
retry:
  max_retries: 0
log:
  format: json
`))
	require.NoError(t, err)

	want := Default()
	want.Engine.DefaultTimeout = 5 * time.Second
	want.Elements.PageSize = 20
	want.Elements.SearchDebounce = 250 * time.Millisecond
	want.Gateway.RateLimit = 2.5
	want.Retry.MaxRetries = 0
	want.Log.Format = "json"
	assert.Equal(t, want, cfg)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown section", "cache: {size: 1}", "cache"},
		{"unknown key", "engine: {max_kids: 3}", "max_kids"},
		{"bad duration", "engine: {default_timeout: soon}", "default_timeout"},
		{"integer duration", "retry: {backoff: 100}", "backoff"},
		{"page size range", "elements: {page_size: 0}", "page_size"},
		{"log level enum", "log: {level: loud}", "level"},
		{"wrong type", "gateway: {dedup_metadata: maybe}", "dedup_metadata"},
		{"not a mapping", "- a\n- b", "mapping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			var se *SchemaError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_CrossFieldValidation(t *testing.T) {
	_, err := Parse([]byte(`
retry:
  backoff: 2s
  max_backoff: 1s
telemetry:
  stdout: true
`))
	require.Error(t, err)

	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, err.Error(), "retry.max_backoff")
	assert.Contains(t, err.Error(), "telemetry.stdout: requires telemetry.tracing")
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("engine: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("journal: {path: /tmp/j.db}\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/j.db", cfg.Journal.Path)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nope: 1\n"), 0o644))
	_, err = LoadFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad, "errors name the file")
}

func TestMerge(t *testing.T) {
	base := Default()
	merged := base.Merge(Config{
		Elements:  ElementsConfig{PageSize: 10},
		Telemetry: TelemetryConfig{Tracing: true},
		Log:       LogConfig{Level: "debug"},
	})

	assert.Equal(t, 10, merged.Elements.PageSize)
	assert.True(t, merged.Telemetry.Tracing)
	assert.Equal(t, "debug", merged.Log.Level)

	assert.Equal(t, base.Engine, merged.Engine, "zero override fields keep the base")
	assert.Equal(t, base.Log.Format, merged.Log.Format)
	assert.True(t, merged.Gateway.DedupMetadata, "a false override does not switch a flag off")
	assert.Equal(t, 50, base.Elements.PageSize, "base is not modified")
}

func TestValidate_CodeBuiltConfig(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxChildren = 0
	cfg.Gateway.RateLimit = 5
	cfg.Gateway.Burst = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.max_children")
	assert.Contains(t, err.Error(), "gateway.burst")
}

func TestSchema_IsEmbedded(t *testing.T) {
	assert.Contains(t, Schema(), "#Config")
}
