package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// maxListPages bounds crm.type.list paging.
const maxListPages = 20

type SmartProcess struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Code  string `json:"code,omitempty"`
}

type EntityField struct {
	Code       string `json:"code"`
	Title      string `json:"title"`
	Type       string `json:"type"`
	IsRequired bool   `json:"isRequired"`
	IsReadOnly bool   `json:"isReadOnly"`
	IsMultiple bool   `json:"isMultiple"`
}

type SmartProcessService struct{}

func NewSmartProcessService() *SmartProcessService {
	return &SmartProcessService{}
}

// ListTypes returns the portal's internal smart-process types.
func (s *SmartProcessService) ListTypes(ctx context.Context, client RemoteClient) ([]SmartProcess, error) {
	processes := []SmartProcess{}
	start := 0
	for page := 0; page < maxListPages; page++ {
		params := map[string]any{
			"filter": map[string]any{"isExternal": "N"},
		}
		if start > 0 {
			params["start"] = start
		}
		res, err := client.Call(ctx, "crm.type.list", params)
		if err != nil {
			return nil, fmt.Errorf("crm.type.list: %w", err)
		}

		types := gjson.GetBytes(res.Result, "types")
		if !types.Exists() {
			types = gjson.ParseBytes(res.Result)
		}
		types.ForEach(func(_, t gjson.Result) bool {
			processes = append(processes, SmartProcess{
				ID:    t.Get("entityTypeId").Int(),
				Title: t.Get("title").String(),
				Code:  t.Get("code").String(),
			})
			return true
		})

		if res.Next <= start {
			break
		}
		start = res.Next
	}
	return processes, nil
}

// ListFields returns the fields of one entity type ordered by code.
func (s *SmartProcessService) ListFields(ctx context.Context, client RemoteClient, entityTypeID int64) ([]EntityField, error) {
	res, err := client.Call(ctx, "crm.item.fields", map[string]any{"entityTypeId": entityTypeID})
	if err != nil {
		return nil, fmt.Errorf("crm.item.fields: %w", err)
	}

	fields := []EntityField{}
	gjson.GetBytes(res.Result, "fields").ForEach(func(code, f gjson.Result) bool {
		field := EntityField{
			Code:       code.String(),
			Title:      f.Get("title").String(),
			Type:       f.Get("type").String(),
			IsRequired: f.Get("isRequired").Bool(),
			IsReadOnly: f.Get("isReadOnly").Bool(),
			IsMultiple: f.Get("isMultiple").Bool(),
		}
		if field.Title == "" {
			field.Title = field.Code
		}
		if field.Type == "" {
			field.Type = "string"
		}
		fields = append(fields, field)
		return true
	})
	sort.Slice(fields, func(i, j int) bool { return fields[i].Code < fields[j].Code })
	return fields, nil
}
