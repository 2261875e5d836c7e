package bitrix24

import (
	"encoding/json"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRequest_AddCommandPreservesOrder(t *testing.T) {
	b := NewBatchRequest()
	require.NoError(t, b.AddCommand("b", "crm.item.add", nil))
	require.NoError(t, b.AddCommand("a", "crm.item.list", nil))
	require.NoError(t, b.AddCommand("c", "user.current", nil))

	assert.Equal(t, []string{"b", "a", "c"}, b.Keys())
	assert.Equal(t, 3, b.Count())
	assert.True(t, b.HasCommands())
	assert.False(t, b.NeedsSplitting())

	raw, err := b.commandsJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"b":"crm.item.add","a":"crm.item.list","c":"user.current"}`, string(raw))
}

func TestBatchRequest_DuplicateKey(t *testing.T) {
	b := NewBatchRequest()
	require.NoError(t, b.AddCommand("row_2", "crm.item.add", nil))

	err := b.AddCommand("row_2", "crm.item.add", nil)
	assert.ErrorIs(t, err, ErrDuplicateCommandKey)
	assert.Equal(t, 1, b.Count())

	assert.Error(t, b.AddCommand("", "crm.item.add", nil))
	assert.Error(t, b.AddCommand("x", "", nil))
}

func TestBatchRequest_SplitIntoChunks(t *testing.T) {
	b := NewBatchRequest().SetHalt(true)
	for i := 0; i < 127; i++ {
		require.NoError(t, b.AddCommand(fmt.Sprintf("cmd%d", i), "crm.item.add", nil))
	}
	require.True(t, b.NeedsSplitting())

	chunks := b.SplitIntoChunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, 50, chunks[0].Count())
	assert.Equal(t, 50, chunks[1].Count())
	assert.Equal(t, 27, chunks[2].Count())

	var keys []string
	for _, chunk := range chunks {
		assert.True(t, chunk.Halt())
		keys = append(keys, chunk.Keys()...)
	}
	assert.Equal(t, b.Keys(), keys)
}

func TestBatchRequest_SplitSmallBatch(t *testing.T) {
	b := NewBatchRequest()
	for i := 0; i < MaxBatchCount; i++ {
		require.NoError(t, b.AddCommand(fmt.Sprintf("k%d", i), "m", nil))
	}
	chunks := b.SplitIntoChunks()
	require.Len(t, chunks, 1)
	assert.Same(t, b, chunks[0])
}

func TestBatchRequest_Clear(t *testing.T) {
	b := NewBatchRequest().SetHalt(true)
	require.NoError(t, b.AddCommand("a", "m", nil))

	b.Clear()
	assert.False(t, b.HasCommands())
	assert.False(t, b.Halt())
	assert.NoError(t, b.AddCommand("a", "m", nil))
}

func TestCommand_String(t *testing.T) {
	cmd := Command{
		Method: "crm.item.add",
		Params: map[string]any{
			"entityTypeId": 1036,
			"fields": map[string]any{
				"TITLE":   "Acme & Co",
				"OPENED":  true,
				"SUM":     12.5,
				"SKIPPED": nil,
			},
		},
	}

	s := cmd.String()
	require.Contains(t, s, "crm.item.add?")

	q, err := url.ParseQuery(s[len("crm.item.add?"):])
	require.NoError(t, err)
	assert.Equal(t, "1036", q.Get("entityTypeId"))
	assert.Equal(t, "Acme & Co", q.Get("fields[TITLE]"))
	assert.Equal(t, "1", q.Get("fields[OPENED]"))
	assert.Equal(t, "12.5", q.Get("fields[SUM]"))
	_, present := q["fields[SKIPPED]"]
	assert.False(t, present)

	assert.Equal(t, "user.current", Command{Method: "user.current"}.String())
}

func TestEncodeParams_Slices(t *testing.T) {
	q, err := url.ParseQuery(EncodeParams(map[string]any{
		"select": []string{"ID", "TITLE"},
		"filter": map[string]any{"=UF_EMAIL": "a@b.c"},
		"limit":  json.Number("1"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "ID", q.Get("select[0]"))
	assert.Equal(t, "TITLE", q.Get("select[1]"))
	assert.Equal(t, "a@b.c", q.Get("filter[=UF_EMAIL]"))
	assert.Equal(t, "1", q.Get("limit"))

	assert.Equal(t, "", EncodeParams(nil))
}

func TestRetryDelay(t *testing.T) {
	tests := map[int]int{1: 1, 2: 2, 3: 4, 4: 8, 5: 16, 6: 30, 7: 30, 20: 30}
	for k, seconds := range tests {
		assert.Equal(t, seconds, int(RetryDelay(k).Seconds()), "retry %d", k)
	}
	assert.Zero(t, RetryDelay(0))

	b := &exponentialBackOff{}
	assert.Equal(t, RetryDelay(1), b.NextBackOff())
	assert.Equal(t, RetryDelay(2), b.NextBackOff())
	b.Reset()
	assert.Equal(t, RetryDelay(1), b.NextBackOff())
}
