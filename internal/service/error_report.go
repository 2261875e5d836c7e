package service

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"crm-import/internal/models"
)

const errorReportSheet = "Import Errors"

type ErrorReportService struct{}

func NewErrorReportService() *ErrorReportService {
	return &ErrorReportService{}
}

// WriteErrorReport renders the job's error list as an xlsx workbook with a
// summary block below the entries.
func (s *ErrorReportService) WriteErrorReport(job *models.ImportJob, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(errorReportSheet)
	if err != nil {
		return err
	}

	headers := []string{"Row Number", "Command", "Error Message", "Details"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(errorReportSheet, cell, header)
	}

	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFE6E6"}, Pattern: 1},
	})
	f.SetCellStyle(errorReportSheet, "A1", lastCol+"1", headerStyle)

	for i, e := range job.ErrorDetails {
		row := i + 2
		var rowNumber interface{}
		if e.Row > 0 {
			rowNumber = e.Row
		}
		values := []interface{}{rowNumber, e.Command, e.Error, formatErrorData(e.Data)}
		if err := f.SetSheetRow(errorReportSheet, fmt.Sprintf("A%d", row), &values); err != nil {
			return err
		}
	}

	f.SetColWidth(errorReportSheet, "A", "A", 12)
	f.SetColWidth(errorReportSheet, "B", "B", 18)
	f.SetColWidth(errorReportSheet, "C", "C", 60)
	f.SetColWidth(errorReportSheet, "D", "D", 40)

	summaryStartRow := len(job.ErrorDetails) + 3
	summary := [][]interface{}{
		{"Import Summary"},
		{"File:", job.OriginalFilename},
		{"Status:", string(job.Status)},
		{"Total Rows:", job.TotalRows},
		{"Processed Rows:", job.ProcessedRows},
		{"Errors Found:", len(job.ErrorDetails)},
		{"Progress:", fmt.Sprintf("%.2f%%", job.ProgressPercentage())},
	}
	for i, values := range summary {
		values := values
		if err := f.SetSheetRow(errorReportSheet, fmt.Sprintf("A%d", summaryStartRow+i), &values); err != nil {
			return err
		}
	}

	summaryStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	f.SetCellStyle(errorReportSheet, fmt.Sprintf("A%d", summaryStartRow), fmt.Sprintf("A%d", summaryStartRow), summaryStyle)

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	return f.Write(w)
}

func formatErrorData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "; "
		}
		v, err := json.Marshal(data[k])
		if err != nil {
			v = []byte(fmt.Sprint(data[k]))
		}
		out += k + "=" + string(v)
	}
	return out
}
