// Package config holds the package-level configuration, following the
// teacher's internal/config shape: a package-level Keys struct with
// JSON-tagged fields and hardcoded defaults, loaded by Init from an
// optional config file.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/iron-insights/iron-insights/pkg/log"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	CacheMaxCapacity uint64 `json:"cache_max_capacity"`
	CacheTTLSeconds  uint64 `json:"cache_ttl_seconds"`
	SampleSize       int    `json:"sample_size"`
	HistogramBins    int    `json:"histogram_bins"`
	SQLMemoryLimit   string `json:"sql_memory_limit"`
	SQLThreads       int    `json:"sql_threads"`
	ServerPort       int    `json:"server_port"`
	DatasetPath      string `json:"dataset_path"`

	// SingleFlightTimeoutSeconds bounds how long a cache waiter will
	// wait for an in-flight build before the request is surfaced as
	// Overloaded (spec.md §5).
	SingleFlightTimeoutSeconds int `json:"single_flight_timeout_seconds"`

	// BroadcastTickSeconds is the StatsUpdate broadcast interval
	// (spec.md §4.9).
	BroadcastTickSeconds int `json:"broadcast_tick_seconds"`

	// SessionHeartbeatTimeoutSeconds is how long a websocket session
	// may stay idle before it is moved to Closing (spec.md §4.9).
	SessionHeartbeatTimeoutSeconds int `json:"session_heartbeat_timeout_seconds"`

	// ActivityRingBufferSize bounds the recent-calculations ring
	// buffer (spec.md §3).
	ActivityRingBufferSize int `json:"activity_ring_buffer_size"`

	// MaxConcurrentSessions is the nominal capacity the StatsUpdate
	// broadcast's server_load estimate is measured against (spec.md
	// §4.9 "a monotonic server-load estimate").
	MaxConcurrentSessions int `json:"max_concurrent_sessions"`
}

// Keys is the process-wide configuration, populated with defaults and
// optionally overridden by Init.
var Keys = Config{
	CacheMaxCapacity:               1000,
	CacheTTLSeconds:                3600,
	SampleSize:                     50000,
	HistogramBins:                  50,
	SQLMemoryLimit:                 "8GB",
	SQLThreads:                     0, // 0 means auto-detect
	ServerPort:                     3000,
	DatasetPath:                    "",
	SingleFlightTimeoutSeconds:     30,
	BroadcastTickSeconds:           5,
	SessionHeartbeatTimeoutSeconds: 60,
	ActivityRingBufferSize:         200,
	MaxConcurrentSessions:          1000,
}

// Init loads flagConfigFile (if non-empty and it exists) as JSON over
// the defaults in Keys. A missing file is not an error. An
// unrecognized key is.
func Init(flagConfigFile string) error {
	if flagConfigFile == "" {
		return nil
	}

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("CONFIG: %s not found, using defaults", flagConfigFile)
			return nil
		}
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return err
	}
	return nil
}
