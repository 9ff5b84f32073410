package report

import (
	"fmt"
	"io"
	"os"

	"wisefido-tenant-integrity/internal/domain"

	"github.com/xuri/excelize/v2"
)

// Table 一个工作表
type Table struct {
	Sheet   string
	Headers []string
	Rows    [][]any
}

func errorCells(e *domain.StepError) []any {
	if e == nil {
		return []any{"", "", ""}
	}
	return []any{string(e.Kind), e.BlockedBy, e.Message}
}

// ReconcileTable 认领报告
func ReconcileTable(r *domain.ReconcileReport) Table {
	t := Table{Sheet: "Reconcile", Headers: []string{"Entity", "Claimed", "Error Kind", "Blocked By", "Message"}}
	for _, name := range r.Entities() {
		res := r.Results[name]
		t.Rows = append(t.Rows, append([]any{res.Entity, res.Claimed}, errorCells(res.Error)...))
	}
	return t
}

// DeletionTable 级联删除报告（执行顺序）
func DeletionTable(r *domain.DeletionReport) Table {
	t := Table{Sheet: "Delete Tenant", Headers: []string{"Entity", "Deleted", "Error Kind", "Blocked By", "Message"}}
	for _, s := range r.Steps {
		t.Rows = append(t.Rows, append([]any{s.Entity, s.Deleted}, errorCells(s.Error)...))
	}
	return t
}

// SeedTable 派生分类报告
func SeedTable(r *domain.SeedReport) Table {
	t := Table{Sheet: "Seed Categories", Headers: []string{"Category", "Outcome", "Error Kind", "Blocked By", "Message"}}
	for _, name := range r.Created {
		t.Rows = append(t.Rows, append([]any{name, "created"}, errorCells(nil)...))
	}
	for _, name := range r.Skipped {
		t.Rows = append(t.Rows, append([]any{name, "skipped"}, errorCells(nil)...))
	}
	for name, e := range r.Errors {
		t.Rows = append(t.Rows, append([]any{name, "failed"}, errorCells(e)...))
	}
	return t
}

// AuditTable 只读检查报告
func AuditTable(r *domain.AuditReport) Table {
	t := Table{Sheet: "Audit", Headers: []string{"Entity", "Orphaned", "Owned", "Error Kind", "Blocked By", "Message"}}
	for _, res := range r.Results {
		t.Rows = append(t.Rows, append([]any{res.Entity, res.Orphaned, res.Owned}, errorCells(res.Error)...))
	}
	return t
}

// WriteXLSX 每个 Table 一个工作表，表头加粗并冻结
func WriteXLSX(w io.Writer, tables ...Table) error {
	if len(tables) == 0 {
		return fmt.Errorf("no tables to export")
	}
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for _, t := range tables {
		if _, err := f.NewSheet(t.Sheet); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", t.Sheet, err)
		}
		for col, header := range t.Headers {
			if err := setCell(f, t.Sheet, col+1, 1, header); err != nil {
				return err
			}
		}
		last, err := excelize.CoordinatesToCellName(len(t.Headers), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(t.Sheet, "A1", last, headerStyle); err != nil {
			return fmt.Errorf("failed to style header: %w", err)
		}
		for r, row := range t.Rows {
			for c, v := range row {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				if err := setCell(f, t.Sheet, c+1, r+2, v); err != nil {
					return err
				}
			}
		}
		if err := f.SetPanes(t.Sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			return fmt.Errorf("failed to freeze panes: %w", err)
		}
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to delete default sheet: %w", err)
	}
	if index, err := f.GetSheetIndex(tables[0].Sheet); err == nil && index >= 0 {
		f.SetActiveSheet(index)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// SaveXLSX 写入文件
func SaveXLSX(path string, tables ...Table) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteXLSX(out, tables...); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func setCell(f *excelize.File, sheet string, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		return fmt.Errorf("failed to set cell %s: %w", cell, err)
	}
	return nil
}
