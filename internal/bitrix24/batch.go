package bitrix24

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
)

// MaxBatchCount is the largest number of commands the portal accepts in one
// batch call.
const MaxBatchCount = 50

var ErrDuplicateCommandKey = errors.New("duplicate batch command key")

// Command is one named sub-call of a batch.
type Command struct {
	Key    string
	Method string
	Params map[string]any
}

// String renders the command the way the batch endpoint expects it:
// method?query with nested parameters as fields[TITLE]=..&select[0]=..
func (c Command) String() string {
	query := EncodeParams(c.Params)
	if query == "" {
		return c.Method
	}
	return c.Method + "?" + query
}

// BatchRequest collects commands under unique keys, preserving insertion order.
type BatchRequest struct {
	keys     []string
	commands map[string]Command
	halt     bool
}

func NewBatchRequest() *BatchRequest {
	return &BatchRequest{commands: make(map[string]Command)}
}

// AddCommand appends a command. Keys must be unique within the batch.
func (b *BatchRequest) AddCommand(key, method string, params map[string]any) error {
	if key == "" {
		return fmt.Errorf("batch command key must not be empty")
	}
	if method == "" {
		return fmt.Errorf("batch command %q: method must not be empty", key)
	}
	if b.commands == nil {
		b.commands = make(map[string]Command)
	}
	if _, exists := b.commands[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommandKey, key)
	}
	b.keys = append(b.keys, key)
	b.commands[key] = Command{Key: key, Method: method, Params: params}
	return nil
}

// SetHalt controls whether the portal stops a chunk at its first failing
// command and whether the client aborts at the first failing chunk.
func (b *BatchRequest) SetHalt(halt bool) *BatchRequest {
	b.halt = halt
	return b
}

func (b *BatchRequest) Halt() bool { return b.halt }

func (b *BatchRequest) Count() int { return len(b.keys) }

func (b *BatchRequest) HasCommands() bool { return len(b.keys) > 0 }

func (b *BatchRequest) NeedsSplitting() bool { return len(b.keys) > MaxBatchCount }

func (b *BatchRequest) Keys() []string {
	keys := make([]string, len(b.keys))
	copy(keys, b.keys)
	return keys
}

func (b *BatchRequest) Commands() []Command {
	out := make([]Command, 0, len(b.keys))
	for _, key := range b.keys {
		out = append(out, b.commands[key])
	}
	return out
}

// Clear removes every command and resets the halt flag.
func (b *BatchRequest) Clear() {
	b.keys = nil
	b.commands = make(map[string]Command)
	b.halt = false
}

// SplitIntoChunks partitions the commands in order into requests of at most
// MaxBatchCount commands. Each chunk inherits the halt flag.
func (b *BatchRequest) SplitIntoChunks() []*BatchRequest {
	if !b.NeedsSplitting() {
		return []*BatchRequest{b}
	}
	chunks := make([]*BatchRequest, 0, (len(b.keys)+MaxBatchCount-1)/MaxBatchCount)
	for start := 0; start < len(b.keys); start += MaxBatchCount {
		end := start + MaxBatchCount
		if end > len(b.keys) {
			end = len(b.keys)
		}
		chunk := &BatchRequest{
			keys:     make([]string, 0, end-start),
			commands: make(map[string]Command, end-start),
			halt:     b.halt,
		}
		for _, key := range b.keys[start:end] {
			chunk.keys = append(chunk.keys, key)
			chunk.commands[key] = b.commands[key]
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// commandsJSON encodes the cmd object with keys in insertion order.
func (b *BatchRequest) commandsJSON() (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range b.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(b.commands[key].String())
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EncodeParams builds a form query from nested params using bracket notation
// for maps and slices. Nil values are omitted and booleans become 1/0.
func EncodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for key, value := range params {
		flattenParam(key, value, values)
	}
	return values.Encode()
}

func flattenParam(prefix string, value any, out url.Values) {
	switch v := value.(type) {
	case nil:
		return
	case string:
		out.Add(prefix, v)
		return
	case bool:
		if v {
			out.Add(prefix, "1")
		} else {
			out.Add(prefix, "0")
		}
		return
	case float64:
		out.Add(prefix, strconv.FormatFloat(v, 'f', -1, 64))
		return
	case float32:
		out.Add(prefix, strconv.FormatFloat(float64(v), 'f', -1, 32))
		return
	case json.Number:
		out.Add(prefix, v.String())
		return
	case fmt.Stringer:
		out.Add(prefix, v.String())
		return
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		byName := make(map[string]reflect.Value, rv.Len())
		for _, k := range rv.MapKeys() {
			name := fmt.Sprint(k.Interface())
			keys = append(keys, name)
			byName[name] = rv.MapIndex(k)
		}
		sort.Strings(keys)
		for _, name := range keys {
			flattenParam(prefix+"["+name+"]", byName[name].Interface(), out)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			flattenParam(prefix+"["+strconv.Itoa(i)+"]", rv.Index(i).Interface(), out)
		}
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return
		}
		flattenParam(prefix, rv.Elem().Interface(), out)
	default:
		out.Add(prefix, fmt.Sprint(value))
	}
}
