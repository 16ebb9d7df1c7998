package analyzer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wisbric/capiproxy/pkg/alert"
	"github.com/wisbric/capiproxy/pkg/loki"
)

// Detector turns a batch of log entries into candidate alerts and
// decisions. Deduplication across overlapping windows is the detector's
// responsibility, not the scheduler's. ctx is passed through for detectors
// that need to look up additional state (e.g. a denylist) while detecting;
// ThresholdDetector ignores it.
type Detector interface {
	Detect(ctx context.Context, entries []loki.Entry) ([]alert.Alert, []alert.Decision, error)
}

// ThresholdDetector flags a field value that appears at least Threshold
// times across the queried window, emitting one alert and one ban decision
// per offending value. It is the built-in detector every analyzer config
// can select with `detector: threshold`.
type ThresholdDetector struct {
	Field     string
	Threshold int
	Scenario  string
	BanFor    string // duration string passed through to the Decision, e.g. "4h"
}

// NewThresholdDetector applies sane defaults for an unset ban duration.
func NewThresholdDetector(field string, threshold int, scenario string) *ThresholdDetector {
	return &ThresholdDetector{Field: field, Threshold: threshold, Scenario: scenario, BanFor: "4h"}
}

func (d *ThresholdDetector) Detect(_ context.Context, entries []loki.Entry) ([]alert.Alert, []alert.Decision, error) {
	counts := make(map[string]int)
	for _, e := range entries {
		v, ok := e.Fields[d.Field]
		if !ok || v == nil {
			continue
		}
		key := fmt.Sprintf("%v", v)
		counts[key]++
	}

	var alerts []alert.Alert
	var decisions []alert.Decision

	for value, count := range counts {
		if count < d.Threshold {
			continue
		}

		a := alert.Alert{
			UUID:        uuid.New(),
			Scenario:    d.Scenario,
			Message:     fmt.Sprintf("%s exceeded threshold %d (%d occurrences) on field %q", value, d.Threshold, count, d.Field),
			EventsCount: count,
			Source:      alert.Source{Scope: "ip", Value: value, IP: value},
		}
		alerts = append(alerts, a)

		decisions = append(decisions, alert.Decision{
			Origin:   "capiproxy/analyzer",
			Type:     "ban",
			Scope:    "ip",
			Value:    value,
			Duration: d.BanFor,
			Scenario: d.Scenario,
		})
	}

	return alerts, decisions, nil
}
