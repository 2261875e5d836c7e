package bitrix24

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// CallResult is the decoded envelope of a single REST call.
type CallResult struct {
	Result json.RawMessage
	Total  int
	Next   int
	Time   json.RawMessage
}

// CommandError is the error reported by the portal for one batch command.
type CommandError struct {
	Code        string
	Description string
}

func (e *CommandError) Message() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	case e.Description != "":
		return e.Description
	default:
		return e.Code
	}
}

// CommandResult is the outcome of one batch command.
type CommandResult struct {
	Result json.RawMessage
	Total  int
	Time   json.RawMessage
	Error  *CommandError
}

func (r CommandResult) OK() bool { return r.Error == nil }

func parseCallResult(body []byte) *CallResult {
	parsed := gjson.ParseBytes(body)
	out := &CallResult{
		Total: int(parsed.Get("total").Int()),
		Next:  int(parsed.Get("next").Int()),
	}
	if res := parsed.Get("result"); res.Exists() {
		out.Result = json.RawMessage(res.Raw)
	}
	if tm := parsed.Get("time"); tm.Exists() {
		out.Time = json.RawMessage(tm.Raw)
	}
	return out
}

// parseBatchResponse decodes result.result, result.result_error,
// result.result_total and result.result_time for the given keys. The portal serializes empty maps
// as [] so every section is indexed tolerantly.
func parseBatchResponse(body []byte, keys []string) (map[string]CommandResult, json.RawMessage) {
	parsed := gjson.ParseBytes(body)
	results := indexObject(parsed.Get("result.result"))
	errs := indexObject(parsed.Get("result.result_error"))
	totals := indexObject(parsed.Get("result.result_total"))
	times := indexObject(parsed.Get("result.result_time"))

	out := make(map[string]CommandResult, len(keys))
	for _, key := range keys {
		cr := CommandResult{}
		if res, ok := results[key]; ok && res.Type != gjson.Null {
			cr.Result = json.RawMessage(res.Raw)
		}
		if total, ok := totals[key]; ok {
			cr.Total = int(total.Int())
		}
		if tm, ok := times[key]; ok && tm.Type != gjson.Null {
			cr.Time = json.RawMessage(tm.Raw)
		}
		if e, ok := errs[key]; ok && e.Type != gjson.Null {
			cr.Error = decodeCommandError(e)
		} else if cr.Result == nil {
			cr.Error = &CommandError{Description: "no result returned for command"}
		}
		out[key] = cr
	}

	var tm json.RawMessage
	if t := parsed.Get("time"); t.Exists() {
		tm = json.RawMessage(t.Raw)
	}
	return out, tm
}

func indexObject(section gjson.Result) map[string]gjson.Result {
	out := map[string]gjson.Result{}
	if !section.IsObject() {
		return out
	}
	section.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value
		return true
	})
	return out
}

func decodeCommandError(e gjson.Result) *CommandError {
	if e.IsObject() {
		return &CommandError{
			Code:        e.Get("error").String(),
			Description: e.Get("error_description").String(),
		}
	}
	return &CommandError{Description: e.String()}
}
