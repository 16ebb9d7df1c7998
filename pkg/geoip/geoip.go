// Package geoip implements the GeoIP Enricher (spec §4.6): IP -> location
// lookup over a local MaxMind-format database, loaded once at startup.
package geoip

import (
	"net"
	"os"

	"github.com/oschwald/maxminddb-golang"
)

// Record is the enrichment attached to a StoredAlert whose source is an IP.
type Record struct {
	CountryCode string
	CountryName string
	City        string
	Region      string
	Latitude    float64
	Longitude   float64
	Timezone    string
}

// cityRecord mirrors the subset of MaxMind's GeoIP2-City schema this
// enricher consumes.
type cityRecord struct {
	Country struct {
		IsoCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
}

// Enricher looks up GeoIP records. It is safe to share across goroutines:
// the underlying reader is read-only after Open.
type Enricher struct {
	reader *maxminddb.Reader
}

// Open loads the database at path. A missing file is not an error: the
// enricher is still returned, but every Lookup call returns nil —
// the proxy must remain functional without a GeoIP database configured.
func Open(path string) (*Enricher, error) {
	if path == "" {
		return &Enricher{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Enricher{}, nil
	}

	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Enricher{reader: reader}, nil
}

// Enabled reports whether a database was successfully loaded.
func (e *Enricher) Enabled() bool {
	return e.reader != nil
}

// Lookup returns the enrichment record for ip, or nil if the database is
// disabled, the IP is invalid, or no record exists. Lookup never returns an
// error to the caller — invalid input degrades to "no enrichment" rather
// than failing the alert pipeline.
func (e *Enricher) Lookup(ip string) *Record {
	if e.reader == nil {
		return nil
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}

	var rec cityRecord
	if err := e.reader.Lookup(parsed, &rec); err != nil {
		return nil
	}

	if rec.Country.IsoCode == "" && rec.City.Names["en"] == "" {
		return nil
	}

	out := &Record{
		CountryCode: rec.Country.IsoCode,
		CountryName: rec.Country.Names["en"],
		City:        rec.City.Names["en"],
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
		Timezone:    rec.Location.TimeZone,
	}
	if len(rec.Subdivisions) > 0 {
		out.Region = rec.Subdivisions[0].Names["en"]
	}
	return out
}

// Close releases the database handle. Safe to call on a disabled Enricher.
func (e *Enricher) Close() error {
	if e.reader == nil {
		return nil
	}
	return e.reader.Close()
}
