package domain

import "time"

type FlagSeverity string

const (
	SeverityLow      FlagSeverity = "low"
	SeverityMedium   FlagSeverity = "medium"
	SeverityHigh     FlagSeverity = "high"
	SeverityCritical FlagSeverity = "critical" // Немедленное завершение сессии
)

// ComplianceFlag — отметка нарушения от compliance oracle.
// Append-only: флаги не удаляются, только помечаются resolved.
type ComplianceFlag struct {
	ID          string       `json:"id"` // UUID
	Type        string       `json:"type"`
	Severity    FlagSeverity `json:"severity"`
	Description string       `json:"description"`
	FlaggedAt   time.Time    `json:"flagged_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	ResolvedBy  *string      `json:"resolved_by,omitempty"`
}

func (f *ComplianceFlag) Resolved() bool { return f.ResolvedAt != nil }
