package exportsvc

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/trezcool/masomo-forms/core/survey"
)

const (
	responsesSheet = "Responses"
	maxSheetName   = 31
	timeLayout     = "2006-01-02 15:04:05"
)

var responseHeader = []interface{}{"Response ID", "Submitted by", "Subject", "Submitted at"}

// WriteResponses writes the responses of a Template as an XLSX workbook: one row per response on
// the first sheet, and one sheet per sub-form field listing its rows.
func WriteResponses(w io.Writer, schema *survey.Schema, responses []survey.SubmittedResponse) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", responsesSheet); err != nil {
		return errors.Wrap(err, "naming sheet")
	}

	leaves, forms := split(schema)
	header := append([]interface{}(nil), responseHeader...)
	for _, sf := range leaves {
		header = append(header, sf.Name)
	}
	if err := setRow(f, responsesSheet, 1, header); err != nil {
		return err
	}
	for i, resp := range responses {
		row := []interface{}{resp.ID, resp.SubmittedBy, resp.SubjectID, resp.CreatedAt.UTC().Format(timeLayout)}
		for _, sf := range leaves {
			row = append(row, cellValue(resp.Answers[sf.Key]))
		}
		if err := setRow(f, responsesSheet, i+2, row); err != nil {
			return err
		}
	}

	used := map[string]bool{responsesSheet: true}
	for _, sf := range forms {
		sheet := sheetName(sf.Name, used)
		if _, err := f.NewSheet(sheet); err != nil {
			return errors.Wrapf(err, "creating sheet %s", sheet)
		}
		if err := writeSubForm(f, sheet, sf, responses); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return errors.Wrap(err, "writing workbook")
	}
	return nil
}

func writeSubForm(f *excelize.File, sheet string, sf survey.SchemaField, responses []survey.SubmittedResponse) error {
	header := []interface{}{"Response ID", "Row"}
	for _, child := range sf.SubForm.Fields {
		header = append(header, child.Name)
	}
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}

	line := 2
	for _, resp := range responses {
		rows, _ := resp.Answers[sf.Key].([]survey.Answers)
		for i, answers := range rows {
			row := []interface{}{resp.ID, i + 1}
			for _, child := range sf.SubForm.Fields {
				row = append(row, cellValue(answers[child.Key]))
			}
			if err := setRow(f, sheet, line, row); err != nil {
				return err
			}
			line++
		}
	}
	return nil
}

func split(schema *survey.Schema) (leaves, forms []survey.SchemaField) {
	for _, sf := range schema.Fields {
		if sf.Type == survey.TypeForm && sf.SubForm != nil {
			forms = append(forms, sf)
		} else {
			leaves = append(leaves, sf)
		}
	}
	return leaves, forms
}

func setRow(f *excelize.File, sheet string, line int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, line)
	if err != nil {
		return errors.Wrap(err, "locating cell")
	}
	if err = f.SetSheetRow(sheet, cell, &values); err != nil {
		return errors.Wrapf(err, "writing %s row %d", sheet, line)
	}
	return nil
}

// cellValue flattens an answer: lists are joined, nested rows are written as JSON.
func cellValue(val interface{}) interface{} {
	switch v := val.(type) {
	case nil:
		return ""
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	case []survey.Answers:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return val
}

// sheetName makes a valid, unused sheet name out of a field name.
func sheetName(name string, used map[string]bool) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "Sub-form"
	}
	if len([]rune(name)) > maxSheetName {
		name = string([]rune(name)[:maxSheetName])
	}
	base, n := name, 2
	for used[name] {
		suffix := fmt.Sprintf(" (%d)", n)
		r := []rune(base)
		if len(r)+len(suffix) > maxSheetName {
			r = r[:maxSheetName-len(suffix)]
		}
		name = string(r) + suffix
		n++
	}
	used[name] = true
	return name
}
