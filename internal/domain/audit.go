package domain

import "time"

// AuditEntry is the immutable record of one evaluation.
type AuditEntry struct {
	ID              string    `json:"id"`
	ClaimID         string    `json:"claimId"`
	InputHash       string    `json:"inputHash"` // hex SHA-256 of the claim JSON
	SnapshotVersion int64     `json:"snapshotVersion"`
	Decision        Decision  `json:"decision"`
	RecordedAt      time.Time `json:"recordedAt"`
}
