// Package geoip resolves viewer IP addresses to a coarse location for
// playback session records.
package geoip

import (
	"log/slog"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Location is empty when the address is unknown or no database is loaded.
type Location struct {
	Country string
	City    string
}

type Resolver struct {
	db *maxminddb.Reader
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// Open loads a GeoLite2/GeoIP2 City database. An empty path or an unreadable
// file yields a Resolver that never resolves anything.
func Open(path string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &Resolver{}
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		logger.Warn("geoip: database unavailable, session locations disabled", "path", path, "error", err)
		return &Resolver{}
	}
	logger.Info("geoip: loaded database", "path", path, "type", db.Metadata.DatabaseType)
	return &Resolver{db: db}
}

func (r *Resolver) Enabled() bool {
	return r != nil && r.db != nil
}

// Lookup accepts a bare IP or a host:port remote address.
func (r *Resolver) Lookup(addr string) Location {
	if !r.Enabled() || addr == "" {
		return Location{}
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return Location{}
	}
	var rec cityRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return Location{}
	}
	return Location{Country: rec.Country.ISOCode, City: rec.City.Names["en"]}
}

func (r *Resolver) Close() error {
	if !r.Enabled() {
		return nil
	}
	return r.db.Close()
}
