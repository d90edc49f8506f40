package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/docmirror"
	"github.com/unkn0wn-root/docmirror/local"
	"github.com/unkn0wn-root/docmirror/local/bigcache"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const sample = `
url: mongodb://localhost:27017
database: app
collection: users
durability: awaited
fetch_all: true
monitor_changes: true
resubscribe:
  enabled: true
  max_interval: 5s
write:
  workers: 8
  timeout: 2s
local:
  kind: bigcache
  codec: cbor
log:
  env: prod
`

func TestLoadYAML(t *testing.T) {
	c, err := Load(writeFile(t, "docmirror.yaml", sample), "")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.Equal(t, "mongodb://localhost:27017", c.URL)
	require.Equal(t, "app", c.Database)
	require.Equal(t, "users", c.Collection)
	require.True(t, c.FetchAll)
	require.True(t, c.Resubscribe.Enabled)
	require.Equal(t, 8, c.Write.Workers)
	require.Equal(t, "bigcache", c.Local.Kind)
	require.Equal(t, "prod", c.Log.Env)
	require.Equal(t, "info", c.Log.Level)
}

func TestDefaults(t *testing.T) {
	c, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, "docmirror", c.Database)
	require.Equal(t, "eventual", c.Durability)
	require.Equal(t, "map", c.Local.Kind)
	require.Equal(t, "msgpack", c.Local.Codec)
	require.Equal(t, "dev", c.Log.Env)
	require.Equal(t, "docmirror", c.Metrics.Namespace)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("DOCMIRROR_COLLECTION", "orders")
	t.Setenv("DOCMIRROR_DURABILITY", "EVENTUAL")
	t.Setenv("DOCMIRROR_WRITE_WORKERS", "2")
	t.Setenv("DOCMIRROR_FETCH_ALL", "false")

	c, err := Load(writeFile(t, "docmirror.yaml", sample), "")
	require.NoError(t, err)
	require.Equal(t, "orders", c.Collection)
	require.Equal(t, "eventual", c.Durability)
	require.Equal(t, 2, c.Write.Workers)
	require.False(t, c.FetchAll)
}

func TestDotEnvFile(t *testing.T) {
	// godotenv does not override variables already set; t.Setenv restores them.
	t.Setenv("DOCMIRROR_URL", "")
	require.NoError(t, os.Unsetenv("DOCMIRROR_URL"))
	t.Setenv("DOCMIRROR_METRICS_ADDR", "")
	require.NoError(t, os.Unsetenv("DOCMIRROR_METRICS_ADDR"))

	env := writeFile(t, ".env", "DOCMIRROR_URL=redis://localhost:6379/0\nDOCMIRROR_METRICS_ADDR=:9100\n")
	c, err := Load("", env)
	require.NoError(t, err)
	require.Equal(t, "redis://localhost:6379/0", c.URL)
	require.Equal(t, ":9100", c.Metrics.Addr)
}

func TestMissingDotEnvIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	c, err := Load("", "")
	require.NoError(t, err)
	c.Durability = "sometimes"
	c.Local.Kind = "lru"
	c.Local.Codec = "xml"
	c.Write.Timeout = "soon"

	err = c.Validate()
	require.Error(t, err)
	for _, want := range []string{"url is required", "collection is required", "durability", "local.kind", "local.codec", "write.timeout"} {
		require.ErrorContains(t, err, want)
	}
}

func TestOptions(t *testing.T) {
	c, err := Load(writeFile(t, "docmirror.yaml", sample), "")
	require.NoError(t, err)

	opts, err := c.Options(docmirror.NopLogger{}, docmirror.NopHooks{})
	require.NoError(t, err)
	require.Equal(t, docmirror.DurabilityAwaited, opts.Durability)
	require.Equal(t, 5*time.Second, opts.ResubscribeMaxInterval)
	require.Equal(t, 2*time.Second, opts.WriteTimeout)
	require.Zero(t, opts.InitTimeout)
	bs, ok := opts.Local.(*bigcache.Store)
	require.True(t, ok)
	require.NoError(t, bs.Close())

	c.Local.Kind = "map"
	opts, err = c.Options(nil, nil)
	require.NoError(t, err)
	_, ok = opts.Local.(*local.Map)
	require.True(t, ok)
}
