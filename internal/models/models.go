package models

import (
	"time"
)

// Relay is a probe target as stored in the relays table.
type Relay struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`

	// LastCheck is nil until the relay has been probed once.
	LastCheck *time.Time `json:"last_check,omitempty"`
	Reachable *bool      `json:"reachable,omitempty"`

	// InfoDocument holds the serialized NIP-11 document from the most
	// recent successful fetch.
	InfoDocument *string `json:"nip11,omitempty"`
	SyncSupport  *bool   `json:"negentropy,omitempty"`
}

// Outcome captures what a single relay check observed.
type Outcome struct {
	Reachable    bool `json:"reachable"`
	InfoDocument bool `json:"info_document"`
	SyncSupport  bool `json:"sync_support"`
}

// RunSummary stores the tallies of one scheduled probing run.
type RunSummary struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Total         int       `json:"total"`
	Reachable     int       `json:"reachable"`
	Unreachable   int       `json:"unreachable"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	InfoDocuments int       `json:"info_documents"`
	SyncSupported int       `json:"sync_supported"`
}

// RelayCounts are the raw aggregates the statistics report is built from.
type RelayCounts struct {
	Total         int64 `json:"total"`
	Checked       int64 `json:"checked"`
	Reachable     int64 `json:"reachable"`
	SyncSupported int64 `json:"sync_supported"`
}
