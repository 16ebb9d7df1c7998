// Package validator implements the Client Validator (spec §4.3): the
// memory→store→CAPI lookup chain that authenticates inbound CrowdSec agents
// by the fingerprint of their Authorization header.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wisbric/capiproxy/internal/telemetry"
	"github.com/wisbric/capiproxy/pkg/cache"
)

// Reason enumerates why a validation call returned the result it did. None
// of these values carry the raw Authorization header or its fingerprint
// into logs.
type Reason string

const (
	ReasonDisabled            Reason = "validation_disabled"
	ReasonNoAuthHeader        Reason = "no_auth_header"
	ReasonCachedMemory        Reason = "cached_memory"
	ReasonCachedStore         Reason = "cached_sqlite"
	ReasonValidated           Reason = "validated"
	ReasonInvalidCredentials  Reason = "invalid_credentials"
	ReasonCAPIErrorFailClosed Reason = "capi_error_failclosed"
	ReasonCAPIErrorFailOpen   Reason = "capi_error_failopen"
)

// Result is the outcome of a Validate call.
type Result struct {
	Valid     bool
	Reason    Reason
	MachineID string
}

// Config configures probe behavior against CAPI.
type Config struct {
	Enabled           bool
	CAPIURL           string
	ValidationTimeout time.Duration
	CacheTTL          time.Duration
	CacheTTLError     time.Duration
	FailClosed        bool
	LegacyAPIKeyQuirk bool
}

// Validator orchestrates the two-tier cache and the CAPI fallback probe.
// Concurrent validations for the same fingerprint are coalesced with
// singleflight so a burst of requests behind a cold cache triggers a single
// CAPI probe.
type Validator struct {
	cfg    Config
	memory *cache.LRU
	store  cache.Store
	client *http.Client
	logger *slog.Logger
	group  singleflight.Group
}

// New creates a Validator. store may be nil to run memory-only (tests, or a
// deployment that accepts cold restarts losing the cache).
func New(cfg Config, memory *cache.LRU, store cache.Store, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		memory: memory,
		store:  store,
		client: &http.Client{Timeout: cfg.ValidationTimeout},
		logger: logger,
	}
}

// Fingerprint returns the SHA-256 hex digest of an Authorization header
// value. This digest, never the raw header, is the key in both cache tiers;
// neither the header nor the digest is written to logs.
func Fingerprint(authHeader string) string {
	sum := sha256.Sum256([]byte(authHeader))
	return hex.EncodeToString(sum[:])
}

// Validate authenticates a request's Authorization header against the
// two-tier cache, falling back to a CAPI probe on a full miss.
func (v *Validator) Validate(ctx context.Context, authHeader string) Result {
	if !v.cfg.Enabled {
		return Result{Valid: true, Reason: ReasonDisabled}
	}

	if authHeader == "" {
		return Result{Valid: false, Reason: ReasonNoAuthHeader}
	}

	hash := Fingerprint(authHeader)

	if entry, ok := v.memory.Get(hash); ok && !entry.Expired(time.Now()) {
		telemetry.ValidationResultsTotal.WithLabelValues(string(ReasonCachedMemory)).Inc()
		return Result{Valid: true, Reason: ReasonCachedMemory, MachineID: entry.MachineID}
	}

	if v.store != nil {
		if entry, ok, err := v.store.Lookup(ctx, hash); err != nil {
			v.logger.Error("validation store lookup failed", "error", err)
		} else if ok && !entry.Expired(time.Now()) {
			v.memory.Set(hash, entry)
			telemetry.ValidationResultsTotal.WithLabelValues(string(ReasonCachedStore)).Inc()
			return Result{Valid: true, Reason: ReasonCachedStore, MachineID: entry.MachineID}
		}
	}

	resV, err, _ := v.group.Do(hash, func() (any, error) {
		return v.probe(ctx, authHeader, hash), nil
	})
	if err != nil {
		// probe never returns an error itself; this path is unreachable but
		// kept for singleflight's contract.
		v.logger.Error("validation probe failed unexpectedly", "error", err)
		return Result{Valid: false, Reason: ReasonCAPIErrorFailClosed}
	}

	result := resV.(Result)
	telemetry.ValidationResultsTotal.WithLabelValues(string(result.Reason)).Inc()
	return result
}

func (v *Validator) probe(ctx context.Context, authHeader, hash string) Result {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.ValidationTimeout)
	defer cancel()

	url := strings.TrimRight(v.cfg.CAPIURL, "/") + "/v2/decisions/stream?startup=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		v.logger.Error("building validation probe request", "error", err)
		return v.failResult(ctx, hash, "")
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("validation probe transport error", "error", err)
		return v.failResult(ctx, hash, "")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		machineID := resp.Header.Get("X-Machine-Id")
		if v.store != nil {
			if err := v.store.StoreEntry(ctx, hash, v.cfg.CacheTTL, machineID); err != nil {
				v.logger.Error("persisting validated entry", "error", err)
			}
		}
		v.memory.Set(hash, cache.Entry{
			MachineID:      machineID,
			ValidatedAt:    time.Now(),
			ExpiresAt:      time.Now().Add(v.cfg.CacheTTL),
			LastAccessedAt: time.Now(),
			AccessCount:    1,
		})
		return Result{Valid: true, Reason: ReasonValidated, MachineID: machineID}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{Valid: false, Reason: ReasonInvalidCredentials}

	case v.cfg.LegacyAPIKeyQuirk && resp.StatusCode == http.StatusInternalServerError && bodyContains(resp, "API key not set"):
		// See DESIGN.md: a specific upstream returns 500 with this body
		// instead of 401 when no API key is configured at all.
		return Result{Valid: false, Reason: ReasonInvalidCredentials}

	default:
		return v.failResult(ctx, hash, "")
	}
}

func (v *Validator) failResult(ctx context.Context, hash, machineID string) Result {
	if v.cfg.FailClosed {
		return Result{Valid: false, Reason: ReasonCAPIErrorFailClosed}
	}

	if v.store != nil {
		if err := v.store.StoreEntry(ctx, hash, v.cfg.CacheTTLError, machineID); err != nil {
			v.logger.Error("persisting fail-open entry", "error", err)
		}
	}
	v.memory.Set(hash, cache.Entry{
		MachineID:      machineID,
		ValidatedAt:    time.Now(),
		ExpiresAt:      time.Now().Add(v.cfg.CacheTTLError),
		LastAccessedAt: time.Now(),
		AccessCount:    1,
	})
	return Result{Valid: true, Reason: ReasonCAPIErrorFailOpen}
}

func bodyContains(resp *http.Response, needle string) bool {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false
	}
	return strings.Contains(string(b), needle)
}

// CleanupExpired runs the periodic sweep over both cache tiers, logging the
// number of entries removed from each.
func (v *Validator) CleanupExpired(ctx context.Context) {
	memRemoved := v.memory.CleanupExpired(time.Now())
	var storeRemoved int64
	if v.store != nil {
		var err error
		storeRemoved, err = v.store.CleanupExpired(ctx, time.Now())
		if err != nil {
			v.logger.Error("store cleanup failed", "error", err)
		}
	}
	if memRemoved > 0 || storeRemoved > 0 {
		v.logger.Info("validation cache cleanup", "memory_removed", memRemoved, "store_removed", storeRemoved)
	}
}

// RunCleanupLoop periodically invokes CleanupExpired until ctx is canceled.
func (v *Validator) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.CleanupExpired(ctx)
		}
	}
}
