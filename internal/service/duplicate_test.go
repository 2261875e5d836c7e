package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"crm-import/internal/bitrix24"
	"crm-import/internal/models"
)

func TestDuplicateFilter_Found(t *testing.T) {
	client := &scriptedClient{results: []*bitrix24.CallResult{
		{Result: json.RawMessage(`{"items":[{"id":7}]}`)},
	}}
	settings := models.Settings{DuplicateHandling: models.DuplicateSkip, DuplicateCheckField: "ufCrmEmail"}

	dup := NewDuplicateFilter(nil).IsDuplicate(context.Background(), map[string]any{"ufCrmEmail": "a@b.c"}, 1036, client, settings)
	assert.True(t, dup)
	assert.Equal(t, []string{"crm.item.list"}, client.methods)
	assert.Equal(t, 1036, client.params[0]["entityTypeId"])
	assert.Equal(t, map[string]any{"ufCrmEmail": "a@b.c"}, client.params[0]["filter"])
}

func TestDuplicateFilter_NotFound(t *testing.T) {
	client := &scriptedClient{results: []*bitrix24.CallResult{
		{Result: json.RawMessage(`{"items":[]}`)},
	}}
	settings := models.Settings{DuplicateCheckField: "ufCrmEmail"}

	assert.False(t, NewDuplicateFilter(nil).IsDuplicate(context.Background(), map[string]any{"ufCrmEmail": "a@b.c"}, 2, client, settings))
}

func TestDuplicateFilter_NoLookup(t *testing.T) {
	client := &scriptedClient{}

	f := NewDuplicateFilter(nil)
	assert.False(t, f.IsDuplicate(context.Background(), map[string]any{"title": "x"}, 2, client, models.Settings{}))
	assert.False(t, f.IsDuplicate(context.Background(), map[string]any{"title": "x"}, 2, client, models.Settings{DuplicateCheckField: "ufCrmEmail"}))
	assert.Empty(t, client.methods)
}

func TestDuplicateFilter_FailsOpen(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection reset")}
	settings := models.Settings{DuplicateCheckField: "ufCrmEmail"}

	assert.False(t, NewDuplicateFilter(nil).IsDuplicate(context.Background(), map[string]any{"ufCrmEmail": "a@b.c"}, 2, client, settings))
	assert.Len(t, client.methods, 1)
}
