package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/fedgraph/internal/source"
)

const sample = `
listen: ":8080"
log:
  level: debug
plans:
  dir: ./plans
  watch: true
server:
  timeout: 5s
  forward_headers: [Authorization, X-Tenant]
sources:
  - name: users
    urls: ["http://users:4001/graphql", "http://users-2:4001/graphql"]
    max_retries: 0
    breaker_failures: 3
  - name: catalog
    kind: connector
    sdl_file: catalog.graphql
    base_url: http://catalog
    fields:
      - field: Query.product
        url: /products/{$args.id}
        select: item
    entities:
      - type: Product
        url: /products/{$this.upc}
`

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "fedgraph.yaml", sample)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "logfmt", cfg.Log.Format)
	require.Equal(t, 5*time.Second, cfg.Server.Timeout)
	require.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	require.True(t, cfg.Server.Subscriptions)
	require.Equal(t, []string{"Authorization", "X-Tenant"}, cfg.Server.ForwardHeaders)
	require.Equal(t, filepath.Join(dir, "plans"), cfg.Resolve(cfg.Plans.Dir))
	require.True(t, cfg.Plans.Watch)

	require.Len(t, cfg.Sources, 2)
	users := cfg.Sources[0]
	require.NotNil(t, users.MaxRetries)
	require.Equal(t, uint(0), *users.MaxRetries)
	require.Len(t, users.SubgraphOptions(), 2)
	require.Equal(t, map[string][]string{"users": users.URLs}, cfg.Endpoints())

	catalog := cfg.Sources[1]
	require.Equal(t, "Query.product", catalog.Fields[0].Field)
	require.Equal(t, source.Binding{URL: "/products/{$args.id}", Select: "item"}, catalog.Fields[0].Binding)
	require.Equal(t, []string{filepath.Join(dir, "catalog.graphql")}, cfg.SchemaFiles())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FEDGRAPH_LOG_LEVEL", "error")
	t.Setenv("FEDGRAPH_LISTEN", ":9999")
	cfg, err := Load(write(t, t.TempDir(), "c.yaml", sample))
	require.NoError(t, err)
	require.Equal(t, "error", cfg.Log.Level)
	require.Equal(t, ":9999", cfg.Listen)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	d := Default()
	require.Equal(t, d.Listen, cfg.Listen)
	require.Equal(t, d.Server.Timeout, cfg.Server.Timeout)
	require.Empty(t, cfg.Sources)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
sources:
  - {name: a, urls: [http://a]}
  - {name: a, urls: [http://b]}`,
		"no urls":     "sources:\n  - {name: a}",
		"no sdl":      "sources:\n  - {name: a, kind: connector}",
		"bad kind":    "sources:\n  - {name: a, kind: grpc}",
		"bad binding": "sources:\n  - {name: a, kind: connector, sdl_file: x, fields: [{field: product, url: /p}]}",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, t.TempDir(), "c.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestConnectorConfig(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "catalog.graphql", "type Query { product(id: ID!): Product } type Product { upc: String }")
	cfg, err := Load(write(t, dir, "c.yaml", sample))
	require.NoError(t, err)

	cc, err := cfg.ConnectorConfig(cfg.Sources[1])
	require.NoError(t, err)
	require.Contains(t, cc.SDL, "type Product")
	require.Equal(t, "/products/{$this.upc}", cc.Entities["Product"].URL)
	require.Equal(t, "item", cc.Fields["Query.product"].Select)

	_, err = source.NewConnector(cc)
	require.NoError(t, err)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "c.yaml", sample)
	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 16)
	l.Watch(func(cfg *Config, err error) {
		if err != nil {
			return
		}
		select {
		case changed <- cfg:
		default:
		}
	})
	write(t, dir, "c.yaml", sample+"\ntelemetry:\n  service_name: edge\n")

	timeout := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Telemetry.ServiceName == "edge" {
				return
			}
		case <-timeout:
			t.Fatal("no reload observed")
		}
	}
}
