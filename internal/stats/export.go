package stats

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// Sheet names of the exported workbook.
const (
	SheetPrimary   = "Primaria"
	SheetSecondary = "Secundaria"
	SheetPositions = "Por pregunta"
	SheetGrades    = "Por grado"
)

// WriteXLSX writes the report as a workbook with one sheet per table.
func WriteXLSX(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SheetPrimary); err != nil {
		return fmt.Errorf("renaming sheet: %w", err)
	}
	for _, name := range []string{SheetSecondary, SheetPositions, SheetGrades} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("creating sheet %s: %w", name, err)
		}
	}

	teacherHeader := []any{"Docente", "Calificación Promedio", "Total de Encuestas"}
	if err := writeRows(f, SheetPrimary, header, teacherHeader, teacherRows(r.Primary)); err != nil {
		return err
	}
	if err := writeRows(f, SheetSecondary, header, teacherHeader, teacherRows(r.Secondary)); err != nil {
		return err
	}

	positions := 0
	for _, t := range r.Teachers {
		positions = max(positions, len(t.Positions))
	}
	posHeader := []any{"Docente"}
	for i := 1; i <= positions; i++ {
		posHeader = append(posHeader, fmt.Sprintf("Pregunta %d", i))
	}
	var posRows [][]any
	for _, t := range r.Teachers {
		row := []any{t.TeacherName}
		for _, p := range t.Positions {
			row = append(row, p.AverageRating)
		}
		posRows = append(posRows, row)
	}
	if err := writeRows(f, SheetPositions, header, posHeader, posRows); err != nil {
		return err
	}

	gradeHeader := []any{"Grado", "Nivel", "Docentes y materias", "Encuestas", "Estudiantes", "Completados"}
	var gradeRows [][]any
	for _, g := range r.Grades {
		gradeRows = append(gradeRows, []any{string(g.Grade), g.Tier, g.Obligations, g.Responses, g.Students, g.Completed})
	}
	if err := writeRows(f, SheetGrades, header, gradeHeader, gradeRows); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func teacherRows(rows []TeacherRow) [][]any {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{r.TeacherName, r.AverageRating, r.ResponseCount})
	}
	return out
}

func writeRows(f *excelize.File, sheet string, style int, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing %s header: %w", sheet, err)
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return fmt.Errorf("styling %s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+2, err)
		}
	}
	if err := f.SetColWidth(sheet, "A", "A", 28); err != nil {
		return fmt.Errorf("sizing %s: %w", sheet, err)
	}
	return nil
}
