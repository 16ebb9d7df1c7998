package analyzer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/capiproxy/pkg/alert"
	"github.com/wisbric/capiproxy/pkg/lapi"
	"github.com/wisbric/capiproxy/pkg/loki"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lokiStub(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawLines := make([]json.RawMessage, len(lines))
		rawTimestamps := make([]json.RawMessage, len(lines))
		rawLabels := make([]json.RawMessage, len(lines))
		for i, l := range lines {
			b, _ := json.Marshal(l)
			rawLines[i] = b
			ts, _ := json.Marshal(time.Now().UnixNano())
			rawTimestamps[i] = ts
			lbl, _ := json.Marshal("{}")
			rawLabels[i] = lbl
		}

		type frame struct {
			Data struct {
				Values [][]json.RawMessage `json:"values"`
			} `json:"data"`
		}
		resp := struct {
			Results map[string]struct {
				Frames []frame `json:"frames"`
			} `json:"results"`
		}{
			Results: map[string]struct {
				Frames []frame `json:"frames"`
			}{
				"A": {Frames: []frame{{Data: struct {
					Values [][]json.RawMessage `json:"values"`
				}{Values: [][]json.RawMessage{rawTimestamps, rawLabels, rawLines}}}}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestRunOnceDetectsAndPushesDecisions(t *testing.T) {
	logs := lokiStub(t, []string{
		`{"ip":"1.2.3.4"}`,
		`{"ip":"1.2.3.4"}`,
		`{"ip":"1.2.3.4"}`,
		`{"ip":"5.6.7.8"}`,
	})
	defer logs.Close()

	var pushed []alert.Decision
	lapiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []alert.Decision
		_ = json.NewDecoder(r.Body).Decode(&batch)
		pushed = append(pushed, batch...)
		w.WriteHeader(http.StatusCreated)
	}))
	defer lapiServer.Close()

	sched := New(loki.NewClient(time.Second), nil, testLogger())
	sched.Register(Definition{
		ID:       "ssh-bruteforce",
		Name:     "ssh bruteforce",
		Enabled:  true,
		Interval: time.Hour,
		Source:   loki.Source{GrafanaURL: logs.URL},
		Query:    loki.QueryRef{Query: `{job="ssh"}`, Lookback: "15m"},
		Extraction: loki.Extraction{
			Format: "json",
			Fields: map[string]string{"ip": "ip"},
		},
		Detector: NewThresholdDetector("ip", 3, "crowdsecurity/ssh-bf"),
		LAPIs:    []*lapi.Client{lapi.NewClient(lapi.Server{Name: "primary", URL: lapiServer.URL}, time.Second)},
	})

	var state *analyzerState
	sched.mu.RLock()
	state = sched.analyzers["ssh-bruteforce"]
	sched.mu.RUnlock()

	sched.runOnce(context.Background(), state)

	status, history, ok := sched.Status("ssh-bruteforce")
	require.True(t, ok)
	require.Equal(t, StatusIdle, status)
	require.Len(t, history, 1)
	require.Equal(t, "success", history[0].Status)
	require.Equal(t, 4, history[0].LogsFetched)
	require.Equal(t, 1, history[0].AlertsGenerated)
	require.Equal(t, 1, history[0].DecisionsPushed)

	require.Len(t, pushed, 1)
	require.Equal(t, "1.2.3.4", pushed[0].Value)
}

func TestRunOnceRecordsErrorOnLogSourceFailure(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	sched := New(loki.NewClient(time.Second), nil, testLogger())
	sched.Register(Definition{
		ID:       "broken",
		Enabled:  true,
		Interval: time.Hour,
		Source:   loki.Source{GrafanaURL: broken.URL},
		Query:    loki.QueryRef{Lookback: "5m"},
		Detector: NewThresholdDetector("ip", 1, "x"),
	})

	sched.mu.RLock()
	state := sched.analyzers["broken"]
	sched.mu.RUnlock()

	sched.runOnce(context.Background(), state)

	status, history, ok := sched.Status("broken")
	require.True(t, ok)
	require.Equal(t, StatusErrored, status)
	require.Len(t, history, 1)
	require.Equal(t, "error", history[0].Status)
	require.NotEmpty(t, history[0].ErrorMessage)
}

func TestTriggerManualRejectsConcurrentRun(t *testing.T) {
	block := make(chan struct{})
	logs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{}}`))
	}))
	defer logs.Close()

	sched := New(loki.NewClient(10*time.Second), nil, testLogger())
	sched.Register(Definition{
		ID:       "slow",
		Enabled:  true,
		Interval: time.Hour,
		Source:   loki.Source{GrafanaURL: logs.URL},
		Query:    loki.QueryRef{Lookback: "5m"},
		Detector: NewThresholdDetector("ip", 1, "x"),
	})

	done := make(chan struct{})
	go func() {
		_ = sched.TriggerManual(context.Background(), "slow")
		close(done)
	}()

	require.Eventually(t, func() bool {
		status, _, _ := sched.Status("slow")
		return status == StatusRunning
	}, time.Second, 10*time.Millisecond)

	err := sched.TriggerManual(context.Background(), "slow")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(block)
	<-done
}

func TestTriggerManualUnknownAnalyzer(t *testing.T) {
	sched := New(loki.NewClient(time.Second), nil, testLogger())
	err := sched.TriggerManual(context.Background(), "does-not-exist")
	require.Error(t, err)
}
