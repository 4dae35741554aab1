package audit

import (
	"time"

	"github.com/google/uuid"
)

// AttemptModel maps to the "tool_attempts" table.
// No UpdatedAt or DeletedAt: the audit trail is append-only.
type AttemptModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChainID    string    `gorm:"not null;index"`
	Tool       string    `gorm:"not null;index"`
	SessionID  string
	Method     string `gorm:"not null"`
	Attempt    int    `gorm:"not null"`
	Success    bool   `gorm:"not null"`
	Kind       string
	Error      string `gorm:"type:text"`
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

func (AttemptModel) TableName() string { return "tool_attempts" }

// OutcomeModel maps to the "tool_outcomes" table.
type OutcomeModel struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChainID              string    `gorm:"not null;index"`
	Tool                 string    `gorm:"not null;index"`
	SessionID            string
	Method               string `gorm:"not null"`
	Success              bool   `gorm:"not null"`
	Kind                 string
	Error                string `gorm:"type:text"`
	DurationMS           int64
	TotalAttempts        int     `gorm:"not null;default:0"`
	Cost                 float64 `gorm:"type:numeric(14,6)"`
	SuggestedAlternative string
	CreatedAt            time.Time `gorm:"index"`
}

func (OutcomeModel) TableName() string { return "tool_outcomes" }

func toAttemptModel(r Record) *AttemptModel {
	return &AttemptModel{
		ID:         uuid.New(),
		ChainID:    r.ChainID,
		Tool:       r.Tool,
		SessionID:  r.SessionID,
		Method:     r.Method,
		Attempt:    r.Attempt,
		Success:    r.Success,
		Kind:       r.Kind,
		Error:      r.Error,
		DurationMS: r.DurationMS,
		CreatedAt:  r.Timestamp,
	}
}

func (m *AttemptModel) record() Record {
	return Record{
		Timestamp:  m.CreatedAt,
		Type:       TypeAttempt,
		ChainID:    m.ChainID,
		Tool:       m.Tool,
		SessionID:  m.SessionID,
		Method:     m.Method,
		Attempt:    m.Attempt,
		Success:    m.Success,
		Kind:       m.Kind,
		Error:      m.Error,
		DurationMS: m.DurationMS,
	}
}

func toOutcomeModel(r Record) *OutcomeModel {
	return &OutcomeModel{
		ID:                   uuid.New(),
		ChainID:              r.ChainID,
		Tool:                 r.Tool,
		SessionID:            r.SessionID,
		Method:               r.Method,
		Success:              r.Success,
		Kind:                 r.Kind,
		Error:                r.Error,
		DurationMS:           r.DurationMS,
		TotalAttempts:        r.TotalAttempts,
		Cost:                 r.Cost,
		SuggestedAlternative: r.SuggestedAlternative,
		CreatedAt:            r.Timestamp,
	}
}

func (m *OutcomeModel) record() Record {
	return Record{
		Timestamp:            m.CreatedAt,
		Type:                 TypeOutcome,
		ChainID:              m.ChainID,
		Tool:                 m.Tool,
		SessionID:            m.SessionID,
		Method:               m.Method,
		Success:              m.Success,
		Kind:                 m.Kind,
		Error:                m.Error,
		DurationMS:           m.DurationMS,
		TotalAttempts:        m.TotalAttempts,
		Cost:                 m.Cost,
		SuggestedAlternative: m.SuggestedAlternative,
	}
}
