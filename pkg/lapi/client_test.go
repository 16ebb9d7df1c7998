package lapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/capiproxy/pkg/alert"
)

func TestPushDecisionSuccess(t *testing.T) {
	var received []alert.Decision
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/decisions", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := NewClient(Server{Name: "primary", URL: server.URL, Token: "tok"}, time.Second)
	err := c.PushDecision(context.Background(), alert.Decision{Type: "ban", Scope: "ip", Value: "1.2.3.4"})
	require.NoError(t, err)
	require.Len(t, received, 1)
	require.Equal(t, "1.2.3.4", received[0].Value)
}

func TestPushDecisionErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad decision"))
	}))
	defer server.Close()

	c := NewClient(Server{Name: "primary", URL: server.URL}, time.Second)
	err := c.PushDecision(context.Background(), alert.Decision{})
	require.Error(t, err)
}
