package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ImportJob struct {
	ID               int64         `db:"id" json:"id"`
	PortalID         int64         `db:"portal_id" json:"portal_id"`
	Status           JobStatus     `db:"status" json:"status"`
	OriginalFilename string        `db:"original_filename" json:"original_filename"`
	StoredFilepath   string        `db:"stored_filepath" json:"-"`
	FieldMappings    FieldMappings `db:"field_mappings" json:"field_mappings"`
	Settings         Settings      `db:"settings" json:"settings"`
	TotalRows        int           `db:"total_rows" json:"total_rows"`
	ProcessedRows    int           `db:"processed_rows" json:"processed_rows"`
	ErrorDetails     RowErrors     `db:"error_details" json:"error_details"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// ProgressPercentage returns processed/total rounded to two decimals.
func (j *ImportJob) ProgressPercentage() float64 {
	return ProgressPercentage(j.ProcessedRows, j.TotalRows)
}

func ProgressPercentage(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(processed) / float64(total) * 100
	return float64(int64(pct*100+0.5)) / 100
}

// RowError is one entry of a job's error list. Row is the 1-based line in the
// source file (header is line 1); it is zero for job-level and chunk-level entries.
type RowError struct {
	Row     int            `json:"row,omitempty"`
	Command string         `json:"command,omitempty"`
	Error   string         `json:"error"`
	Data    map[string]any `json:"data,omitempty"`
}

type RowErrors []RowError

func (e RowErrors) Value() (driver.Value, error) {
	if len(e) == 0 {
		return nil, nil
	}
	return json.Marshal(e)
}

func (e *RowErrors) Scan(src any) error {
	return scanJSON(src, e)
}

type FieldMappings []FieldMapping

func (m FieldMappings) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

func (m *FieldMappings) Scan(src any) error {
	return scanJSON(src, m)
}

// Validate checks that every rule names both a source column and a target field.
func (m FieldMappings) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("field mappings must not be empty")
	}
	for i, rule := range m {
		if rule.SourceColumn == "" || rule.TargetField == "" {
			return fmt.Errorf("field mapping %d: source column and target field are required", i)
		}
	}
	return nil
}

func (s Settings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Settings) Scan(src any) error {
	return scanJSON(src, s)
}

func scanJSON(src any, dest any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
