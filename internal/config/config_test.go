package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDomainMissingFileReturnsZeroValue(t *testing.T) {
	d, err := loadDomain(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.False(t, d.Validation.Enabled)
	require.Empty(t, d.Analyzers)
	require.Empty(t, d.LAPIServers)
}

func TestLoadDomainParsesNestedKeys(t *testing.T) {
	yamlDoc := `
proxy:
  capi_url: https://api.crowdsec.net
  timeout_ms: 5000
validation:
  enabled: true
  cacheTtlSeconds: 300
  cacheTtlErrorSeconds: 15
  validationTimeoutMs: 2000
  maxMemoryEntries: 5000
  failClosed: true
  storeBackend: sqlite
  storePath: /var/lib/capiproxy/validation.db
geoip:
  path: /usr/share/GeoIP/GeoLite2-City.mmdb
analyzers:
  - id: brute-force
    name: "Brute force detector"
    enabled: true
    intervalMs: 60000
    detector: threshold
    threshold: 20
    field: status
    scenario: crowdsecurity/http-bf
    source:
      grafanaUrl: http://grafana:3000
      bearerToken: secrettoken
      datasourceUid: loki-uid
    query:
      query: '{job="capi"} |= "401"'
      maxLines: 1000
      lookback: 15m
    extraction:
      format: json
      fields:
        ip: request.remote_ip
        status: response.status
lapi_servers:
  - name: primary
    url: http://lapi.internal:8080
    token: abc123
filters:
  - name: block-scanners
    enabled: true
    kind: scenario
    scenarios:
      - crowdsecurity/http-scan
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	d, err := loadDomain(path)
	require.NoError(t, err)

	require.Equal(t, "https://api.crowdsec.net", d.Proxy.CAPIURL)
	require.Equal(t, 5*time.Second, d.Proxy.Timeout())

	require.True(t, d.Validation.Enabled)
	require.Equal(t, 300*time.Second, d.Validation.CacheTTL())
	require.Equal(t, 15*time.Second, d.Validation.CacheTTLError())
	require.Equal(t, 2*time.Second, d.Validation.ValidationTimeout())
	require.Equal(t, 5000, d.Validation.MemoryCapacity())
	require.True(t, d.Validation.FailClosed)
	require.False(t, d.Validation.LegacyAPIKeyQuirk)

	require.Len(t, d.Analyzers, 1)
	a := d.Analyzers[0]
	require.Equal(t, "brute-force", a.ID)
	require.Equal(t, time.Minute, a.Interval())
	require.Equal(t, "loki-uid", a.Source.DatasourceID)
	require.Equal(t, "request.remote_ip", a.Extraction.Fields["ip"])

	require.Len(t, d.LAPIServers, 1)
	require.Equal(t, "http://lapi.internal:8080", d.LAPIServers[0].URL)

	require.Len(t, d.Filters, 1)
	require.Equal(t, "scenario", d.Filters[0].Kind)
}

func TestValidationDefaults(t *testing.T) {
	var v ValidationConfig
	require.Equal(t, 120*time.Second, v.CacheTTL())
	require.Equal(t, 30*time.Second, v.CacheTTLError())
	require.Equal(t, 3*time.Second, v.ValidationTimeout())
	require.Equal(t, 10000, v.MemoryCapacity())
}

func TestEnvListenAddr(t *testing.T) {
	e := Env{Host: "127.0.0.1", Port: 9000}
	require.Equal(t, "127.0.0.1:9000", e.ListenAddr())
}
