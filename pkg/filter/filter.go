// Package filter implements the Filter Engine (spec §4.5): a set of named
// predicates evaluated against each alert to decide suppression.
package filter

import (
	"net/netip"
	"time"

	"github.com/wisbric/capiproxy/pkg/alert"
)

// Context carries per-request information available to every filter.
type Context struct {
	MachineID string
	Now       time.Time
}

// MatchResult is a single filter's verdict on one alert.
type MatchResult struct {
	Matched    bool
	FilterName string
	Reason     string
}

// Filter is a named, pure predicate over one alert. Implementations must
// not perform I/O: enrichment requiring I/O (GeoIP) runs before the engine.
type Filter interface {
	Name() string
	Enabled() bool
	Match(a alert.Alert, ctx Context) MatchResult
}

// ScenarioFilter suppresses alerts whose scenario matches one of a fixed
// list.
type ScenarioFilter struct {
	FilterNameField string
	EnabledField    bool
	Scenarios       map[string]struct{}
}

// NewScenarioFilter builds a ScenarioFilter from a scenario name list.
func NewScenarioFilter(name string, enabled bool, scenarios []string) *ScenarioFilter {
	set := make(map[string]struct{}, len(scenarios))
	for _, s := range scenarios {
		set[s] = struct{}{}
	}
	return &ScenarioFilter{FilterNameField: name, EnabledField: enabled, Scenarios: set}
}

func (f *ScenarioFilter) Name() string    { return f.FilterNameField }
func (f *ScenarioFilter) Enabled() bool   { return f.EnabledField }
func (f *ScenarioFilter) Match(a alert.Alert, _ Context) MatchResult {
	if _, ok := f.Scenarios[a.Scenario]; ok {
		return MatchResult{Matched: true, FilterName: f.FilterNameField, Reason: "scenario:" + a.Scenario}
	}
	return MatchResult{FilterName: f.FilterNameField}
}

// IPRangeFilter suppresses alerts whose source IP falls within one of a
// fixed list of CIDR ranges.
type IPRangeFilter struct {
	FilterNameField string
	EnabledField    bool
	Prefixes        []netip.Prefix
}

// NewIPRangeFilter builds an IPRangeFilter, skipping CIDR strings that fail
// to parse rather than failing filter construction entirely.
func NewIPRangeFilter(name string, enabled bool, cidrs []string) *IPRangeFilter {
	var prefixes []netip.Prefix
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return &IPRangeFilter{FilterNameField: name, EnabledField: enabled, Prefixes: prefixes}
}

func (f *IPRangeFilter) Name() string  { return f.FilterNameField }
func (f *IPRangeFilter) Enabled() bool { return f.EnabledField }
func (f *IPRangeFilter) Match(a alert.Alert, _ Context) MatchResult {
	if a.Source.IP == "" {
		return MatchResult{FilterName: f.FilterNameField}
	}
	ip, err := netip.ParseAddr(a.Source.IP)
	if err != nil {
		return MatchResult{FilterName: f.FilterNameField}
	}
	for _, p := range f.Prefixes {
		if p.Contains(ip) {
			return MatchResult{Matched: true, FilterName: f.FilterNameField, Reason: "ip_range:" + p.String()}
		}
	}
	return MatchResult{FilterName: f.FilterNameField}
}

// MachineIDFilter suppresses alerts originating from a specific machine,
// taken from request context rather than the alert body.
type MachineIDFilter struct {
	FilterNameField string
	EnabledField    bool
	MachineID       string
}

func (f *MachineIDFilter) Name() string  { return f.FilterNameField }
func (f *MachineIDFilter) Enabled() bool { return f.EnabledField }
func (f *MachineIDFilter) Match(_ alert.Alert, ctx Context) MatchResult {
	if ctx.MachineID != "" && ctx.MachineID == f.MachineID {
		return MatchResult{Matched: true, FilterName: f.FilterNameField, Reason: "machine_id:" + f.MachineID}
	}
	return MatchResult{FilterName: f.FilterNameField}
}

// CompositeOp is the boolean combinator for a CompositeFilter.
type CompositeOp string

const (
	OpAnd CompositeOp = "and"
	OpOr  CompositeOp = "or"
)

// CompositeFilter combines child filters with AND/OR. Its own Name is
// reported as the match attribution; children are evaluated but their
// individual results are not surfaced separately.
type CompositeFilter struct {
	FilterNameField string
	EnabledField    bool
	Op              CompositeOp
	Children        []Filter
}

func (f *CompositeFilter) Name() string  { return f.FilterNameField }
func (f *CompositeFilter) Enabled() bool { return f.EnabledField }
func (f *CompositeFilter) Match(a alert.Alert, ctx Context) MatchResult {
	if len(f.Children) == 0 {
		return MatchResult{FilterName: f.FilterNameField}
	}

	matchedCount := 0
	for _, child := range f.Children {
		if child.Match(a, ctx).Matched {
			matchedCount++
		}
	}

	matched := false
	switch f.Op {
	case OpOr:
		matched = matchedCount > 0
	default: // OpAnd
		matched = matchedCount == len(f.Children)
	}

	if matched {
		return MatchResult{Matched: true, FilterName: f.FilterNameField, Reason: string(f.Op)}
	}
	return MatchResult{FilterName: f.FilterNameField}
}

// AlertOutcome records which filters, if any, matched a single alert.
type AlertOutcome struct {
	Alert          alert.Alert
	Filtered       bool
	MatchedFilters []string
}

// Result is the engine's verdict over a batch of alerts.
type Result struct {
	OriginalCount int
	FilteredCount int
	PassingCount  int
	Passing       []alert.Alert
	Outcomes      []AlertOutcome
}

// Engine evaluates a fixed set of filters against each alert in a batch.
// Evaluation is never short-circuited: every enabled filter runs against
// every alert so the debug surface can attribute multi-cause suppression.
type Engine struct {
	filters []Filter
}

// New creates an Engine over the given filters, in the order they should be
// reported.
func New(filters []Filter) *Engine {
	return &Engine{filters: filters}
}

// Evaluate runs every enabled filter over every alert.
func (e *Engine) Evaluate(alerts []alert.Alert, ctx Context) Result {
	result := Result{OriginalCount: len(alerts), Passing: []alert.Alert{}}

	for _, a := range alerts {
		var matched []string
		for _, f := range e.filters {
			if !f.Enabled() {
				continue
			}
			if mr := f.Match(a, ctx); mr.Matched {
				matched = append(matched, f.Name())
			}
		}

		outcome := AlertOutcome{Alert: a, Filtered: len(matched) > 0, MatchedFilters: matched}
		result.Outcomes = append(result.Outcomes, outcome)

		if outcome.Filtered {
			result.FilteredCount++
		} else {
			result.PassingCount++
			result.Passing = append(result.Passing, a)
		}
	}

	return result
}
