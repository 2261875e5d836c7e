package service

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"crm-import/internal/models"
	"crm-import/internal/source"
)

const (
	dateOutputLayout     = "2006-01-02"
	dateTimeOutputLayout = "2006-01-02T15:04:05-07:00"
)

var (
	errNotANumber      = errors.New("value is not a number")
	errUnknownBoolean  = errors.New("value is not a recognized boolean")
	errInvalidUserID   = errors.New("value is not a positive user id")
	errInvalidEntityID = errors.New("value is not a positive entity id")
	errNoEntityType    = errors.New("entity_type option is required")
)

var (
	trueTokens  = map[string]bool{"1": true, "true": true, "yes": true, "y": true, "+": true, "да": true}
	falseTokens = map[string]bool{"0": true, "false": true, "no": true, "n": true, "-": true, "нет": true}
)

// TransformEngine converts source rows into destination field sets.
type TransformEngine struct {
	location *time.Location
	logger   *logrus.Entry
}

func NewTransformEngine(location *time.Location, logger *logrus.Entry) *TransformEngine {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TransformEngine{location: location, logger: logger}
}

// Transform applies every rule to the row. Columns missing from the headers,
// empty cells and values a transform rejects are left out of the result; a
// rejected value never fails the row.
func (e *TransformEngine) Transform(row source.Row, headers []string, rules models.FieldMappings) (map[string]any, error) {
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		if _, seen := index[h]; !seen {
			index[h] = i
		}
	}

	fields := make(map[string]any, len(rules))
	for _, rule := range rules {
		idx, ok := index[rule.SourceColumn]
		if !ok {
			continue
		}
		raw := strings.TrimSpace(row.Value(idx))
		if raw == "" {
			continue
		}

		value, err := e.Apply(raw, rule)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"row":       row.Line,
				"column":    rule.SourceColumn,
				"field":     rule.TargetField,
				"transform": string(rule.Transform),
				"value":     raw,
			}).WithError(err).Warn("Value dropped by transform")
			continue
		}
		if value != nil {
			fields[rule.TargetField] = value
		}
	}
	return fields, nil
}

// Apply converts one trimmed, non-empty value according to the rule.
func (e *TransformEngine) Apply(value string, rule models.FieldMapping) (any, error) {
	switch rule.Transform {
	case models.TransformDate:
		t, err := e.parseTime(value, firstNonEmpty(rule.DateFormat, models.DefaultDateFormat))
		if err != nil {
			return nil, err
		}
		return t.Format(dateOutputLayout), nil
	case models.TransformDateTime:
		t, err := e.parseTime(value, firstNonEmpty(rule.DateTimeFormat, models.DefaultDateTimeFormat))
		if err != nil {
			return nil, err
		}
		return t.Format(dateTimeOutputLayout), nil
	case models.TransformBoolean:
		return transformBoolean(value)
	case models.TransformNumber:
		return parseNumber(value)
	case models.TransformUserReference:
		id, err := parsePositiveID(value)
		if err != nil {
			return nil, errInvalidUserID
		}
		return id, nil
	case models.TransformEntityReference:
		if rule.EntityType == "" {
			return nil, errNoEntityType
		}
		id, err := parsePositiveID(value)
		if err != nil {
			return nil, errInvalidEntityID
		}
		return fmt.Sprintf("%s_%d", rule.EntityType, id), nil
	default:
		return value, nil
	}
}

// parseTime accepts spreadsheet serial numbers, the rule's format, and
// finally any layout dateparse recognizes.
func (e *TransformEngine) parseTime(value, format string) (time.Time, error) {
	if serial, err := strconv.ParseFloat(value, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, e.location), nil
	}

	if t, err := time.ParseInLocation(goLayout(format), value, e.location); err == nil {
		return t, nil
	}

	t, err := dateparse.ParseIn(value, e.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q: %w", value, err)
	}
	return t, nil
}

// goLayout translates dd/MM/yyyy style tokens into a time layout. A lowercase
// mm means minutes once an hour token has appeared and month before that.
func goLayout(format string) string {
	var b strings.Builder
	seenHour := false
	for i := 0; i < len(format); {
		rest := format[i:]
		switch {
		case strings.HasPrefix(rest, "yyyy"):
			b.WriteString("2006")
			i += 4
		case strings.HasPrefix(rest, "yy"):
			b.WriteString("06")
			i += 2
		case strings.HasPrefix(rest, "MM"):
			b.WriteString("1")
			i += 2
		case strings.HasPrefix(rest, "M"):
			b.WriteString("1")
			i++
		case strings.HasPrefix(rest, "dd"):
			b.WriteString("2")
			i += 2
		case strings.HasPrefix(rest, "d"):
			b.WriteString("2")
			i++
		case strings.HasPrefix(rest, "HH"):
			b.WriteString("15")
			seenHour = true
			i += 2
		case strings.HasPrefix(rest, "H"):
			b.WriteString("15")
			seenHour = true
			i++
		case strings.HasPrefix(rest, "mm"):
			if seenHour {
				b.WriteString("04")
			} else {
				b.WriteString("1")
			}
			i += 2
		case strings.HasPrefix(rest, "ss"):
			b.WriteString("05")
			i += 2
		default:
			b.WriteByte(format[i])
			i++
		}
	}
	return b.String()
}

func transformBoolean(value string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch {
	case trueTokens[v]:
		return "Y", nil
	case falseTokens[v]:
		return "N", nil
	}
	return "", errUnknownBoolean
}

func parseNumber(value string) (float64, error) {
	cleaned := strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", ",", ".").Replace(strings.TrimSpace(value))
	if cleaned == "" {
		return 0, errNotANumber
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotANumber
	}
	return f, nil
}

func parsePositiveID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id %q must be positive", value)
	}
	return id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
