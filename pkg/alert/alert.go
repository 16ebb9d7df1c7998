// Package alert defines the CrowdSec Alert/Decision data model (spec §3)
// and the Alert Repository that persists it.
package alert

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single timestamped occurrence backing an Alert.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Source describes where an alert originated.
type Source struct {
	Scope   string  `json:"scope"` // ip, range, username, ...
	Value   string  `json:"value"`
	IP      string  `json:"ip,omitempty"`
	Range   string  `json:"range,omitempty"`
	ASN     int     `json:"as_number,omitempty"`
	ASName  string  `json:"as_name,omitempty"`
	Country string  `json:"country,omitempty"`
	Lat     float64 `json:"latitude,omitempty"`
	Long    float64 `json:"longitude,omitempty"`
}

// Decision is a remediation attached to an alert.
type Decision struct {
	Origin    string     `json:"origin"`
	Type      string     `json:"type"` // ban, captcha, throttle, ...
	Scope     string     `json:"scope"`
	Value     string     `json:"value"`
	Duration  string     `json:"duration"`
	Scenario  string     `json:"scenario"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Simulated bool        `json:"simulated"`
}

// Alert is the canonical CrowdSec alert record, the unit submitted via
// POST /v2/signals and produced independently by the Analyzer Scheduler.
type Alert struct {
	UUID          uuid.UUID  `json:"uuid"`
	MachineID     string     `json:"machine_id"`
	Scenario      string     `json:"scenario"`
	ScenarioHash  string     `json:"scenario_hash,omitempty"`
	ScenarioVersion string   `json:"scenario_version,omitempty"`
	Message       string     `json:"message"`
	EventsCount   int        `json:"events_count"`
	StartAt       time.Time  `json:"start_at"`
	StopAt        time.Time  `json:"stop_at"`
	Events        []Event    `json:"events"`
	Source        Source     `json:"source"`
	Decisions     []Decision `json:"decisions,omitempty"`
}

// GeoInfo is GeoIP enrichment attached to a StoredAlert whose source is an
// IP with a resolvable record.
type GeoInfo struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	Lat         float64 `json:"latitude"`
	Long        float64 `json:"longitude"`
	Timezone    string  `json:"timezone,omitempty"`
}

// StoredAlert is an Alert augmented with the bookkeeping the Repository
// persists. Filtered is true exactly when FilterReasons is nonempty; Geo is
// set exactly when Source.Scope == "ip" and a GeoIP lookup succeeded.
type StoredAlert struct {
	Alert
	ReceivedAt    time.Time `json:"received_at"`
	Filtered      bool      `json:"filtered"`
	FilterReasons []string  `json:"filter_reasons,omitempty"`
	Geo           *GeoInfo  `json:"geo,omitempty"`
}
