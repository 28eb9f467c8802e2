// Package model holds the data types shared between the probe core and
// its persistence/notification adapters.
package model

import "time"

// Target is a monitored URL together with its probe cadence.
type Target struct {
	ID         int64     `db:"id" json:"id"`
	ExternalID string    `db:"external_id" json:"external_id"`
	Name       string    `db:"name" json:"name"`
	URL        string    `db:"url" json:"url"`
	IntervalS  int       `db:"interval_s" json:"interval_s"`
	TimeoutS   int       `db:"timeout_s" json:"timeout_s"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// CheckResult is a single probe outcome recorded against a target.
type CheckResult struct {
	ID         int64     `db:"id" json:"id"`
	TargetID   int64     `db:"target_id" json:"target_id"`
	TS         time.Time `db:"ts" json:"ts"`
	OK         bool      `db:"ok" json:"ok"`
	StatusCode *int      `db:"status_code" json:"status_code,omitempty"`
	LatencyMS  *int      `db:"latency_ms" json:"latency_ms,omitempty"`
	ErrorText  string    `db:"error_text" json:"error_text"`
	DNSMS      *int      `db:"-" json:"dns_ms,omitempty"`
	ConnectMS  *int      `db:"-" json:"connect_ms,omitempty"`
	TLSMS      *int      `db:"-" json:"tls_ms,omitempty"`
	TTFBMS     *int      `db:"-" json:"ttfb_ms,omitempty"`
}

// Incident brackets a period during which a target was considered down.
type Incident struct {
	ID         int64      `db:"id" json:"id"`
	ExternalID string     `db:"external_id" json:"external_id"`
	TargetID   int64      `db:"target_id" json:"target_id"`
	OpenedAt   time.Time  `db:"opened_at" json:"opened_at"`
	ClosedAt   *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	FailCount  int        `db:"fail_count" json:"fail_count"`
	IsOpen     bool       `db:"is_open" json:"is_open"`
}

// ErrorTextMaxLen bounds CheckResult.ErrorText per the wire contract.
const ErrorTextMaxLen = 512

// TruncateError clamps free-form error text to the bounded width.
func TruncateError(s string) string {
	if len(s) <= ErrorTextMaxLen {
		return s
	}
	return s[:ErrorTextMaxLen]
}
