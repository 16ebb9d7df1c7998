// Package analyzer implements the Analyzer Scheduler (spec §4.9): a
// periodic per-analyzer runner that queries log sources, applies detection
// logic, persists resulting alerts, and pushes decisions to LAPI servers.
package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/capiproxy/internal/telemetry"
	"github.com/wisbric/capiproxy/pkg/alert"
	"github.com/wisbric/capiproxy/pkg/lapi"
	"github.com/wisbric/capiproxy/pkg/loki"
)

// Status is an analyzer's live state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusErrored Status = "errored"
)

// ErrAlreadyRunning is returned by TriggerManual when the analyzer already
// has a run in flight; callers map this to HTTP 409.
var ErrAlreadyRunning = errors.New("analyzer run already in progress")

// RunSummary is the terminal record of a single analyzer run.
type RunSummary struct {
	StartedAt       time.Time
	CompletedAt     time.Time
	Status          string // "success" or "error"
	LogsFetched     int
	AlertsGenerated int
	DecisionsPushed int
	ErrorMessage    string
}

const historyLimit = 50

// Definition is everything the scheduler needs to run one analyzer.
type Definition struct {
	ID         string
	Name       string
	Enabled    bool
	Interval   time.Duration
	Source     loki.Source
	Query      loki.QueryRef
	Extraction loki.Extraction
	Detector   Detector
	LAPIs      []*lapi.Client
}

type analyzerState struct {
	mu      sync.Mutex
	def     Definition
	status  Status
	nextRun time.Time
	history []RunSummary
}

// Scheduler owns a set of analyzers and fires each on its own interval.
type Scheduler struct {
	lokiClient *loki.Client
	store      *alert.Store
	logger     *slog.Logger

	mu        sync.RWMutex
	analyzers map[string]*analyzerState
}

// New creates a Scheduler. store may be nil to disable persistence.
func New(lokiClient *loki.Client, store *alert.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		lokiClient: lokiClient,
		store:      store,
		logger:     logger,
		analyzers:  make(map[string]*analyzerState),
	}
}

// Register adds an analyzer to the scheduler, due to run immediately.
func (s *Scheduler) Register(def Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyzers[def.ID] = &analyzerState{def: def, status: StatusIdle, nextRun: time.Now()}
}

// Run polls every analyzer on tick and fires the ones that are due. It
// blocks until ctx is canceled. Runs of different analyzers proceed
// concurrently and independently; a run already in flight for a given
// analyzer is never started twice.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("analyzer scheduler started")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("analyzer scheduler stopped")
			return nil
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	s.mu.RLock()
	due := make([]*analyzerState, 0)
	now := time.Now()
	for _, state := range s.analyzers {
		state.mu.Lock()
		ready := state.def.Enabled && state.status != StatusRunning && !now.Before(state.nextRun)
		state.mu.Unlock()
		if ready {
			due = append(due, state)
		}
	}
	s.mu.RUnlock()

	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, state := range due {
		state := state
		g.Go(func() error {
			s.runOnce(gctx, state)
			return nil
		})
	}
	_ = g.Wait()
}

// TriggerManual starts an out-of-band run for the named analyzer. It
// returns ErrAlreadyRunning if the analyzer is currently running.
func (s *Scheduler) TriggerManual(ctx context.Context, id string) error {
	s.mu.RLock()
	state, ok := s.analyzers[id]
	s.mu.RUnlock()
	if !ok {
		return errors.New("unknown analyzer")
	}

	state.mu.Lock()
	if state.status == StatusRunning {
		state.mu.Unlock()
		return ErrAlreadyRunning
	}
	state.mu.Unlock()

	s.runOnce(ctx, state)
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context, state *analyzerState) {
	state.mu.Lock()
	if state.status == StatusRunning {
		state.mu.Unlock()
		return
	}
	state.status = StatusRunning
	def := state.def
	state.mu.Unlock()

	run := RunSummary{StartedAt: time.Now()}

	result := s.lokiClient.Query(ctx, def.Source, def.Query, def.Extraction)
	if result.Error != "" {
		run.Status = "error"
		run.ErrorMessage = result.Error
		s.finalizeRun(state, run)
		telemetry.AnalyzerRunsTotal.WithLabelValues(def.ID, "error").Inc()
		s.logger.Error("analyzer log fetch failed", "analyzer", def.ID, "error", result.Error)
		return
	}
	run.LogsFetched = len(result.Logs)

	var alerts []alert.Alert
	var decisions []alert.Decision
	if def.Detector != nil {
		var err error
		alerts, decisions, err = def.Detector.Detect(ctx, result.Logs)
		if err != nil {
			run.Status = "error"
			run.ErrorMessage = err.Error()
			s.finalizeRun(state, run)
			telemetry.AnalyzerRunsTotal.WithLabelValues(def.ID, "error").Inc()
			s.logger.Error("analyzer detection failed", "analyzer", def.ID, "error", err)
			return
		}
	}
	run.AlertsGenerated = len(alerts)

	if s.store != nil && len(alerts) > 0 {
		stored := make([]alert.StoredAlert, 0, len(alerts))
		now := time.Now()
		for _, a := range alerts {
			stored = append(stored, alert.StoredAlert{Alert: a, ReceivedAt: now, Filtered: false})
		}
		if err := s.store.SaveBatch(ctx, stored); err != nil {
			s.logger.Error("persisting analyzer alerts", "analyzer", def.ID, "error", err)
		}
	}

	pushed := s.pushDecisions(ctx, def, decisions)
	run.DecisionsPushed = pushed
	run.Status = "success"

	s.finalizeRun(state, run)
	telemetry.AnalyzerRunsTotal.WithLabelValues(def.ID, "success").Inc()
}

// pushDecisions fans each decision out to every configured LAPI server
// concurrently. A failed push against one server never stops pushes to the
// others, and never marks the run as errored — only the count of
// successful pushes is recorded (spec §4.9, §7: partial LAPI failure is
// not a run failure).
func (s *Scheduler) pushDecisions(ctx context.Context, def Definition, decisions []alert.Decision) int {
	if len(decisions) == 0 || len(def.LAPIs) == 0 {
		return 0
	}

	var mu sync.Mutex
	pushed := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range decisions {
		for _, client := range def.LAPIs {
			d, client := d, client
			g.Go(func() error {
				if err := client.PushDecision(gctx, d); err != nil {
					s.logger.Error("pushing decision", "analyzer", def.ID, "lapi_server", client.Name(), "error", err)
					return nil
				}
				mu.Lock()
				pushed++
				mu.Unlock()
				telemetry.DecisionsPushedTotal.WithLabelValues(def.ID, client.Name()).Inc()
				return nil
			})
		}
	}
	_ = g.Wait()

	return pushed
}

func (s *Scheduler) finalizeRun(state *analyzerState, run RunSummary) {
	run.CompletedAt = time.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	if run.Status == "error" {
		state.status = StatusErrored
	} else {
		state.status = StatusIdle
	}
	state.nextRun = run.StartedAt.Add(state.def.Interval)
	state.history = append(state.history, run)
	if len(state.history) > historyLimit {
		state.history = state.history[len(state.history)-historyLimit:]
	}
}

// Status returns the live status and run history for one analyzer.
func (s *Scheduler) Status(id string) (Status, []RunSummary, bool) {
	s.mu.RLock()
	state, ok := s.analyzers[id]
	s.mu.RUnlock()
	if !ok {
		return "", nil, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	history := make([]RunSummary, len(state.history))
	copy(history, state.history)
	return state.status, history, true
}
