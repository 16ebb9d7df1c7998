package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func grafanaStub(t *testing.T, values [][]json.RawMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/ds/query", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		resp := dsQueryResponse{
			Results: map[string]struct {
				Frames []struct {
					Data struct {
						Values [][]json.RawMessage `json:"values"`
					} `json:"data"`
				} `json:"frames"`
			}{
				"A": {
					Frames: []struct {
						Data struct {
							Values [][]json.RawMessage `json:"values"`
						} `json:"data"`
					}{{Data: struct {
						Values [][]json.RawMessage `json:"values"`
					}{Values: values}}},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func rawJSONStrings(ss ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(ss))
	for i, s := range ss {
		b, _ := json.Marshal(s)
		out[i] = b
	}
	return out
}

func rawJSONInts(ns ...int64) []json.RawMessage {
	out := make([]json.RawMessage, len(ns))
	for i, n := range ns {
		b, _ := json.Marshal(n)
		out[i] = b
	}
	return out
}

func TestQueryParsesAndProjectsFields(t *testing.T) {
	lines := rawJSONStrings(
		`{"remoteIP":"1.2.3.4","status":401}`,
		`{"remoteIP":"5.6.7.8","status":200}`,
	)
	timestamps := rawJSONInts(1700000000000000000, 1700000001000000000)
	labels := rawJSONStrings(`{}`, `{}`)

	server := grafanaStub(t, [][]json.RawMessage{timestamps, labels, lines})
	defer server.Close()

	client := NewClient(time.Second)
	result := client.Query(context.Background(), Source{GrafanaURL: server.URL, BearerToken: "secret", DatasourceID: "loki-uid"},
		QueryRef{Query: `{job="capi"}`, MaxLines: 100, Lookback: "15m"},
		Extraction{Format: "json", Fields: map[string]string{"ip": "remoteIP", "status": "status"}})

	require.Empty(t, result.Error)
	require.Len(t, result.Logs, 2)
	require.Equal(t, "1.2.3.4", result.Logs[0].Fields["ip"])
	require.Equal(t, float64(401), result.Logs[0].Fields["status"])
	require.False(t, result.Logs[0].Timestamp.IsZero())
}

func TestQuerySkipsUnparsableLinesWithoutAborting(t *testing.T) {
	lines := rawJSONStrings(`not-json`, `{"remoteIP":"5.6.7.8"}`)
	timestamps := rawJSONInts(1700000000000000000, 1700000001000000000)
	labels := rawJSONStrings(`{}`, `{}`)

	server := grafanaStub(t, [][]json.RawMessage{timestamps, labels, lines})
	defer server.Close()

	client := NewClient(time.Second)
	result := client.Query(context.Background(), Source{GrafanaURL: server.URL, BearerToken: "secret"},
		QueryRef{Query: `{job="capi"}`, Lookback: "5m"},
		Extraction{Format: "json", Fields: map[string]string{"ip": "remoteIP"}})

	require.Empty(t, result.Error)
	require.Len(t, result.Logs, 1)
	require.Equal(t, `{"remoteIP":"5.6.7.8"}`, result.Logs[0].Raw)
	require.Equal(t, "5.6.7.8", result.Logs[0].Fields["ip"])
}

func TestQueryUpstreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewClient(time.Second)
	result := client.Query(context.Background(), Source{GrafanaURL: server.URL}, QueryRef{Lookback: "5m"}, Extraction{})
	require.NotEmpty(t, result.Error)
	require.Empty(t, result.Logs)
}

func TestProjectFieldsNullShortCircuits(t *testing.T) {
	decoded := map[string]any{"request": map[string]any{"remote_ip": "9.9.9.9"}}
	fields := map[string]string{"ip": "request.remote_ip", "missing": "request.bogus.deep"}
	out := projectFields(decoded, fields)
	require.Equal(t, "9.9.9.9", out["ip"])
	require.Nil(t, out["missing"])
}
