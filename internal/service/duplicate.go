package service

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"crm-import/internal/models"
)

// DuplicateFilter looks up existing records by the configured check field.
type DuplicateFilter struct {
	logger *logrus.Entry
}

func NewDuplicateFilter(logger *logrus.Entry) *DuplicateFilter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DuplicateFilter{logger: logger}
}

// IsDuplicate reports whether a record with the same check-field value already
// exists. Without a configured field, or when the field did not survive the
// transform, no lookup is made. A failed lookup counts as "not a duplicate".
func (d *DuplicateFilter) IsDuplicate(ctx context.Context, fields map[string]any, entityTypeID int, client RemoteClient, settings models.Settings) bool {
	field := settings.DuplicateCheckField
	if field == "" {
		return false
	}
	value, ok := fields[field]
	if !ok {
		return false
	}

	res, err := client.Call(ctx, "crm.item.list", map[string]any{
		"entityTypeId": entityTypeID,
		"filter":       map[string]any{field: value},
		"select":       []string{"ID"},
	})
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"field": field,
			"value": value,
		}).WithError(err).Warn("Duplicate lookup failed")
		return false
	}
	if res == nil || len(res.Result) == 0 {
		return false
	}

	result := gjson.ParseBytes(res.Result)
	if items := result.Get("items"); items.IsArray() {
		return len(items.Array()) > 0
	}
	if result.IsArray() {
		return len(result.Array()) > 0
	}
	return false
}
