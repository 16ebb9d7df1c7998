// Package forwarder implements the Forwarder (spec §4.4): the request
// interception path that validates inbound agents, intercepts and filters
// POST /v2/signals, and forwards everything else byte-for-byte to CAPI.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/capiproxy/internal/telemetry"
	"github.com/wisbric/capiproxy/pkg/alert"
	"github.com/wisbric/capiproxy/pkg/filter"
	"github.com/wisbric/capiproxy/pkg/geoip"
	"github.com/wisbric/capiproxy/pkg/validator"
)

// forwardedHeaders is the fixed allow-list copied to the upstream request.
// accept-encoding is intentionally excluded to avoid receiving a compressed
// response that would have to be transcoded before streaming it back.
var forwardedHeaders = []string{"Authorization", "Content-Type", "Content-Encoding", "User-Agent", "Accept"}

const signalsPath = "/v2/signals"

// Forwarder validates, filters, and forwards the CAPI wire protocol.
type Forwarder struct {
	capiURL   string
	timeout   time.Duration
	validator *validator.Validator
	engine    *filter.Engine
	geo       *geoip.Enricher
	store     *alert.Store
	logger    *slog.Logger
	client    *http.Client
}

// Config configures a Forwarder.
type Config struct {
	CAPIURL string
	Timeout time.Duration
}

// New creates a Forwarder. store may be nil to disable persistence (e.g. in
// proxy-only deployments without a configured database).
func New(cfg Config, v *validator.Validator, engine *filter.Engine, geo *geoip.Enricher, store *alert.Store, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		capiURL:   strings.TrimRight(cfg.CAPIURL, "/"),
		timeout:   cfg.Timeout,
		validator: v,
		engine:    engine,
		geo:       geo,
		store:     store,
		logger:    logger,
		client:    &http.Client{},
	}
}

// Mount registers the forwarder on every method of /v2/* and /v3/*. The
// router these routes are mounted on must not run a JSON body-decoding
// middleware ahead of these handlers: the raw bytes read here must be
// byte-identical to what the agent sent, since re-serializing anything the
// agent signed would break request signing.
func (f *Forwarder) Mount(r chi.Router) {
	r.HandleFunc("/v2/*", f.handle)
	r.HandleFunc("/v3/*", f.handle)
}

func (f *Forwarder) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	result := f.validator.Validate(ctx, r.Header.Get("Authorization"))
	if !result.Valid {
		f.logger.Debug("request rejected by validator", "path", r.URL.Path, "reason", result.Reason)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		f.logger.Error("reading request body", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusBadGateway, "failed to read request body")
		return
	}

	outboundBody := rawBody
	if r.Method == http.MethodPost && r.URL.Path == signalsPath {
		outboundBody = f.interceptSignals(ctx, rawBody, result.MachineID)
	}

	upstreamURL := f.capiURL + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(fctx, r.Method, upstreamURL, bytes.NewReader(outboundBody))
	if err != nil {
		f.logger.Error("building upstream request", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusBadGateway, "failed to build upstream request")
		return
	}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			upstreamReq.Header.Set(h, v)
		}
	}

	upstreamStart := time.Now()
	resp, err := f.client.Do(upstreamReq)
	telemetry.UpstreamForwardDuration.WithLabelValues(r.Method).Observe(time.Since(upstreamStart).Seconds())
	if err != nil {
		f.logger.Error("upstream forward failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		peek, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		f.logger.Warn("upstream returned error status", "path", r.URL.Path, "status", resp.StatusCode, "body", string(peek))
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, io.MultiReader(bytes.NewReader(peek), resp.Body))
		return
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	f.logger.Debug("request forwarded", "path", r.URL.Path, "method", r.Method, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
}

// interceptSignals decodes a /v2/signals body, runs the filter engine,
// persists every alert (survivors and suppressed), and returns a
// re-serialized body containing only the survivors. On any parse failure it
// returns the original bytes unmodified: CAPI remains the source of truth
// on wire validity, and filtering here is best-effort.
func (f *Forwarder) interceptSignals(ctx context.Context, rawBody []byte, machineID string) []byte {
	var alerts []alert.Alert
	if err := json.Unmarshal(rawBody, &alerts); err != nil {
		f.logger.Warn("failed to parse signals body, forwarding unmodified", "error", err)
		return rawBody
	}

	result := f.engine.Evaluate(alerts, filter.Context{MachineID: machineID, Now: time.Now()})

	if f.store != nil {
		stored := make([]alert.StoredAlert, 0, len(result.Outcomes))
		now := time.Now()
		for _, outcome := range result.Outcomes {
			sa := alert.StoredAlert{
				Alert:         outcome.Alert,
				ReceivedAt:    now,
				Filtered:      outcome.Filtered,
				FilterReasons: outcome.MatchedFilters,
			}
			if f.geo != nil && outcome.Alert.Source.Scope == "ip" && outcome.Alert.Source.IP != "" {
				if rec := f.geo.Lookup(outcome.Alert.Source.IP); rec != nil {
					// Enriches only this stored copy; the forwarded result.Passing
					// slice (a separate value copy) is never touched.
					sa.Alert.Source.Country = rec.CountryCode
					sa.Alert.Source.Lat = rec.Latitude
					sa.Alert.Source.Long = rec.Longitude
					sa.Geo = &alert.GeoInfo{
						CountryCode: rec.CountryCode,
						CountryName: rec.CountryName,
						City:        rec.City,
						Region:      rec.Region,
						Lat:         rec.Latitude,
						Long:        rec.Longitude,
						Timezone:    rec.Timezone,
					}
				}
			}
			stored = append(stored, sa)
			if outcome.Filtered {
				telemetry.AlertsForwardedTotal.WithLabelValues("filtered").Inc()
			} else {
				telemetry.AlertsForwardedTotal.WithLabelValues("forwarded").Inc()
			}
		}
		if err := f.store.SaveBatch(ctx, stored); err != nil {
			// Persistence is observability, not correctness: it must never
			// fail the forwarded request.
			f.logger.Error("persisting alert batch", "error", err)
		}
	}

	out, err := json.Marshal(result.Passing)
	if err != nil {
		f.logger.Error("re-serializing filtered alerts, forwarding unmodified", "error", err)
		return rawBody
	}
	return out
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":%q}`, message)))
}
