package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"crm-import/internal/models"
)

var headers = []string{"Name", "Email", "Birthday", "Last contact", "Active", "Amount", "Responsible", "Company"}

var sampleRows = [][]interface{}{
	{"Alice Smith", "alice@example.com", "15.01.1990", "15.01.2024 10:30:00", "yes", "1 250,50", 1, 12},
	{"Борис Петров", "boris@example.ru", 32874, 45306.5, "да", "980", 3, 14},
	{"Carla Diaz", "carla@example.com", "1985-07-04", "", "no", "12 000", 1, ""},
	{"", "", "", "", "", "", "", ""},
	{"Dmitry Volkov", "alice@example.com", "31.12.1979", "01.02.2024 08:15:00", "нет", "n/a", "boss", 7},
	{"Eve Turner", "eve@example.com", "not a date", "", "maybe", "-42.75", 5, 9},
}

func main() {
	outDir := flag.String("out", filepath.Join("storage", "samples"), "output directory")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Printf("Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	xlsxPath := filepath.Join(*outDir, "contacts_sample.xlsx")
	if err := writeXLSX(xlsxPath); err != nil {
		fmt.Printf("Error writing workbook: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sample workbook created: %s\n", xlsxPath)

	csvPath := filepath.Join(*outDir, "contacts_sample_cp1251.csv")
	if err := writeCSV(csvPath); err != nil {
		fmt.Printf("Error writing CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Sample CSV (Windows-1251, ';') created: %s\n", csvPath)

	mappings := models.FieldMappings{
		{SourceColumn: "Name", TargetField: "title"},
		{SourceColumn: "Email", TargetField: "ufCrmEmail"},
		{SourceColumn: "Birthday", TargetField: "ufCrmBirthday", Transform: models.TransformDate},
		{SourceColumn: "Last contact", TargetField: "ufCrmLastContact", Transform: models.TransformDateTime},
		{SourceColumn: "Active", TargetField: "ufCrmActive", Transform: models.TransformBoolean},
		{SourceColumn: "Amount", TargetField: "opportunity", Transform: models.TransformNumber},
		{SourceColumn: "Responsible", TargetField: "assignedById", Transform: models.TransformUserReference},
		{SourceColumn: "Company", TargetField: "parentId4", Transform: models.TransformEntityReference, EntityType: "CO"},
	}
	settings := models.Settings{DuplicateHandling: models.DuplicateSkip, DuplicateCheckField: "ufCrmEmail", BatchSize: 10}

	out, _ := json.MarshalIndent(map[string]any{"field_mappings": mappings, "settings": settings}, "", "  ")
	fmt.Println("Form values for POST /api/v1/imports:")
	fmt.Println(string(out))
}

func writeXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Contacts"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}

	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return err
	}

	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	f.SetCellStyle(sheetName, "A1", lastCol+"1", headerStyle)

	for i, row := range sampleRows {
		row := row
		if err := f.SetSheetRow(sheetName, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}

	f.SetColWidth(sheetName, "A", "B", 25)
	f.SetColWidth(sheetName, "C", "D", 20)
	f.SetColWidth(sheetName, "E", "H", 14)

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	return f.SaveAs(path)
}

func writeCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := transform.NewWriter(file, charmap.Windows1251.NewEncoder())
	w := csv.NewWriter(enc)
	w.Comma = ';'
	if err := w.Write(headers); err != nil {
		return err
	}
	for _, row := range sampleRows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = fmt.Sprint(v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return enc.Close()
}
