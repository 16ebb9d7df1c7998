// Package loki implements the Log Source Adapter (spec §4.8): a structured
// query against a Grafana/Loki datasource, returning parsed log entries.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Source describes where and how to authenticate to the Grafana instance
// fronting the Loki datasource.
type Source struct {
	GrafanaURL   string
	BearerToken  string
	DatasourceID string
}

// QueryRef is a single Loki query to run.
type QueryRef struct {
	Query    string
	MaxLines int
	Lookback string // e.g. "15m", used verbatim as Loki's relative "now-<lookback>"
}

// Extraction describes how to parse and project log lines.
type Extraction struct {
	Format string            // "json"
	Fields map[string]string // outputName -> dotted.source.path
}

// Entry is one parsed, projected log line.
type Entry struct {
	Raw       string
	Timestamp time.Time
	Fields    map[string]any
}

// QueryResult is what Query returns: either Logs or a non-empty Error, never
// both populated meaningfully.
type QueryResult struct {
	Logs  []Entry
	Error string
}

// Client queries a Grafana datasource's query-proxy API.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Loki query Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// dsQueryRequest mirrors Grafana's /api/ds/query request body for a single
// target query.
type dsQueryRequest struct {
	Queries []dsQuery `json:"queries"`
	From    string    `json:"from"`
	To      string    `json:"to"`
}

type dsQuery struct {
	RefID        string `json:"refId"`
	Expr         string `json:"expr"`
	DatasourceID dsRef  `json:"datasource"`
	MaxLines     int    `json:"maxLines,omitempty"`
}

type dsRef struct {
	UID string `json:"uid"`
}

type dsQueryResponse struct {
	Results map[string]struct {
		Frames []struct {
			Data struct {
				Values [][]json.RawMessage `json:"values"`
			} `json:"data"`
		} `json:"frames"`
	} `json:"results"`
}

// Query submits the query to Grafana and returns parsed, projected entries.
// Query never returns a Go error: failures surface in QueryResult.Error so
// callers (the Analyzer Scheduler) can record them on the run without
// special-casing a second error channel.
func (c *Client) Query(ctx context.Context, src Source, ref QueryRef, ext Extraction) QueryResult {
	reqBody := dsQueryRequest{
		Queries: []dsQuery{{
			RefID:        "A",
			Expr:         ref.Query,
			DatasourceID: dsRef{UID: src.DatasourceID},
			MaxLines:     ref.MaxLines,
		}},
		From: "now-" + ref.Lookback,
		To:   "now",
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return QueryResult{Error: fmt.Sprintf("marshalling query: %v", err)}
	}

	url := strings.TrimRight(src.GrafanaURL, "/") + "/api/ds/query"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return QueryResult{Error: fmt.Sprintf("building request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if src.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+src.BearerToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return QueryResult{Error: "Request timeout"}
		}
		return QueryResult{Error: fmt.Sprintf("requesting logs: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return QueryResult{Error: fmt.Sprintf("grafana returned status %d: %s", resp.StatusCode, string(body))}
	}

	var parsed dsQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return QueryResult{Error: fmt.Sprintf("decoding response: %v", err)}
	}

	result, ok := parsed.Results["A"]
	if !ok || len(result.Frames) == 0 {
		return QueryResult{Logs: []Entry{}}
	}

	values := result.Frames[0].Data.Values
	if len(values) < 3 {
		return QueryResult{Logs: []Entry{}}
	}

	timestamps, labelsCol, lines := values[0], values[1], values[2]
	entries := make([]Entry, 0, len(lines))

	for i := range lines {
		var line string
		if err := json.Unmarshal(lines[i], &line); err != nil {
			continue
		}

		var ts int64
		if i < len(timestamps) {
			_ = json.Unmarshal(timestamps[i], &ts)
		}

		entry := Entry{Raw: line, Timestamp: nsToTime(ts)}

		if ext.Format == "json" {
			var decoded any
			if err := json.Unmarshal([]byte(line), &decoded); err != nil {
				// Parse failure on one line is skipped, not abort the batch.
				continue
			}
			entry.Fields = projectFields(decoded, ext.Fields)
		}

		_ = labelsCol // label values are available per-row but unused by the current extraction model
		entries = append(entries, entry)
	}

	return QueryResult{Logs: entries}
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// projectFields walks each dotted path in fields against decoded JSON,
// short-circuiting to a nil value on a missing intermediate key.
func projectFields(decoded any, fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for name, path := range fields {
		out[name] = navigate(decoded, strings.Split(path, "."))
	}
	return out
}

func navigate(v any, path []string) any {
	if len(path) == 0 {
		return v
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	next, ok := m[path[0]]
	if !ok {
		return nil
	}
	return navigate(next, path[1:])
}
