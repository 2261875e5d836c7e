package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type TransformKind string

const (
	TransformNone            TransformKind = ""
	TransformDate            TransformKind = "date"
	TransformDateTime        TransformKind = "datetime"
	TransformBoolean         TransformKind = "boolean"
	TransformNumber          TransformKind = "number"
	TransformUserReference   TransformKind = "user-reference"
	TransformEntityReference TransformKind = "crm-entity-reference"
)

// transformAliases maps kind names accepted from older clients.
var transformAliases = map[string]TransformKind{
	"user":       TransformUserReference,
	"user_ref":   TransformUserReference,
	"crm_entity": TransformEntityReference,
	"crm-entity": TransformEntityReference,
	"bool":       TransformBoolean,
	"float":      TransformNumber,
}

func ParseTransformKind(s string) TransformKind {
	s = strings.ToLower(strings.TrimSpace(s))
	if kind, ok := transformAliases[s]; ok {
		return kind
	}
	return TransformKind(s)
}

const (
	DefaultDateFormat     = "dd.mm.yyyy"
	DefaultDateTimeFormat = "dd.mm.yyyy HH:mm:ss"
)

// FieldMapping maps one source column to one destination field.
type FieldMapping struct {
	SourceColumn   string        `json:"source_column"`
	TargetField    string        `json:"target_field"`
	Transform      TransformKind `json:"transform,omitempty"`
	DateFormat     string        `json:"date_format,omitempty"`
	DateTimeFormat string        `json:"datetime_format,omitempty"`
	EntityType     string        `json:"entity_type,omitempty"`
}

type fieldMappingOptions struct {
	DateFormat     string `json:"date_format"`
	DateTimeFormat string `json:"datetime_format"`
	EntityType     string `json:"entity_type"`
}

// UnmarshalJSON accepts both the current key names and the legacy
// source/target pair, with options either inline or under "options".
func (m *FieldMapping) UnmarshalJSON(data []byte) error {
	var raw struct {
		Source       string              `json:"source"`
		SourceColumn string              `json:"source_column"`
		Target       string              `json:"target"`
		TargetField  string              `json:"target_field"`
		Transform    string              `json:"transform"`
		Options      fieldMappingOptions `json:"options"`
		fieldMappingOptions
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = FieldMapping{
		SourceColumn:   strings.TrimSpace(firstNonEmpty(raw.SourceColumn, raw.Source)),
		TargetField:    strings.TrimSpace(firstNonEmpty(raw.TargetField, raw.Target)),
		Transform:      ParseTransformKind(raw.Transform),
		DateFormat:     normalizeDateFormat(firstNonEmpty(raw.DateFormat, raw.Options.DateFormat)),
		DateTimeFormat: normalizeDateFormat(firstNonEmpty(raw.DateTimeFormat, raw.Options.DateTimeFormat)),
		EntityType:     strings.TrimSpace(firstNonEmpty(raw.EntityType, raw.Options.EntityType)),
	}
	return nil
}

type DuplicateHandling string

const (
	DuplicateSkip      DuplicateHandling = "skip"
	DuplicateUpdate    DuplicateHandling = "update"
	DuplicateCreateNew DuplicateHandling = "create_new"
)

const (
	DefaultBatchSize = 10
	MaxBatchSize     = 50
)

// Settings are the per-job processing options.
type Settings struct {
	EntityTypeID        int               `json:"entity_type_id"`
	DuplicateHandling   DuplicateHandling `json:"duplicate_handling"`
	DuplicateCheckField string            `json:"duplicate_check_field,omitempty"`
	BatchSize           int               `json:"batch_size"`
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw struct {
		EntityTypeID        flexibleInt `json:"entity_type_id"`
		DuplicateHandling   string      `json:"duplicate_handling"`
		DuplicateCheckField string      `json:"duplicate_check_field"`
		DuplicateField      string      `json:"duplicate_field"`
		BatchSize           flexibleInt `json:"batch_size"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = Settings{
		EntityTypeID:        int(raw.EntityTypeID),
		DuplicateHandling:   DuplicateHandling(strings.ToLower(strings.TrimSpace(raw.DuplicateHandling))),
		DuplicateCheckField: strings.TrimSpace(firstNonEmpty(raw.DuplicateCheckField, raw.DuplicateField)),
		BatchSize:           int(raw.BatchSize),
	}
	s.ApplyDefaults()
	return nil
}

// ApplyDefaults fills unset options with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.DuplicateHandling == "" {
		s.DuplicateHandling = DuplicateSkip
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
}

// EffectiveBatchSize clamps the configured batch size to 1..MaxBatchSize.
func (s Settings) EffectiveBatchSize() int {
	switch {
	case s.BatchSize <= 0:
		return DefaultBatchSize
	case s.BatchSize > MaxBatchSize:
		return MaxBatchSize
	default:
		return s.BatchSize
	}
}

func (s Settings) Validate() error {
	if s.EntityTypeID <= 0 {
		return fmt.Errorf("entity_type_id is required")
	}
	switch s.DuplicateHandling {
	case DuplicateSkip, DuplicateUpdate, DuplicateCreateNew:
	default:
		return fmt.Errorf("unsupported duplicate_handling %q", s.DuplicateHandling)
	}
	if s.BatchSize < 1 || s.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size must be between 1 and %d", MaxBatchSize)
	}
	return nil
}

// flexibleInt decodes numbers that arrive either as JSON numbers or strings.
type flexibleInt int

func (f *flexibleInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*f = flexibleInt(n)
	return nil
}

// phpDateTokens translates PHP date() letters into the dd/mm/yyyy token syntax.
var phpDateTokens = map[rune]string{
	'd': "dd",
	'j': "d",
	'm': "MM",
	'n': "M",
	'Y': "yyyy",
	'y': "yy",
	'H': "HH",
	'G': "H",
	'i': "mm",
	's': "ss",
}

// normalizeDateFormat converts PHP-style formats such as "d.m.Y H:i:s" into
// the token syntax understood by the transform engine. Token-style formats
// pass through unchanged.
func normalizeDateFormat(format string) string {
	format = strings.TrimSpace(format)
	if format == "" || !isPHPDateFormat(format) {
		return format
	}
	var b strings.Builder
	for _, r := range format {
		if tok, ok := phpDateTokens[r]; ok {
			b.WriteString(tok)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPHPDateFormat(format string) bool {
	if strings.ContainsAny(format, "Yi") {
		return true
	}
	for _, tok := range []string{"yy", "dd", "mm", "MM", "HH", "ss"} {
		if strings.Contains(format, tok) {
			return false
		}
	}
	return strings.ContainsAny(format, "dmyHs")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
