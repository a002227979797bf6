// Package poller runs the near-real-time loops: live meter readings and the
// provider transaction ledgers. Both tolerate overlap with batch ingestion;
// every write path deduplicates on a natural key, so polling the same window
// twice is harmless.
package poller

import "time"

// Config controls both poll loops.
type Config struct {
	LiveInterval        time.Duration
	TransactionInterval time.Duration
	TransactionPageSize int
	// TransactionLookback bounds how far back the ledger walk goes. Entries
	// older than this are assumed already captured by an earlier poll.
	TransactionLookback time.Duration
}

func DefaultConfig() Config {
	return Config{
		LiveInterval:        5 * time.Minute,
		TransactionInterval: 15 * time.Minute,
		TransactionPageSize: 100,
		TransactionLookback: 48 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.LiveInterval <= 0 {
		c.LiveInterval = defaults.LiveInterval
	}
	if c.TransactionInterval <= 0 {
		c.TransactionInterval = defaults.TransactionInterval
	}
	if c.TransactionPageSize <= 0 {
		c.TransactionPageSize = defaults.TransactionPageSize
	}
	if c.TransactionLookback <= 0 {
		c.TransactionLookback = defaults.TransactionLookback
	}
	return c
}
