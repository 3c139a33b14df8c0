// Package export renders audit entries and coupons as CSV or XLSX tables.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/dukerupert/starstore/internal/model"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv" or "xlsx"; an empty string means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

func (f Format) Extension() string {
	return "." + string(f)
}

type table struct {
	sheet  string
	header []string
	rows   [][]any
}

var auditHeader = []string{"id", "item_id", "action", "actor", "timestamp", "from_status", "to_status", "detail"}

func auditTable(entries []model.AuditEntry) table {
	t := table{sheet: "Audit", header: auditHeader}
	for _, e := range entries {
		t.rows = append(t.rows, []any{
			e.ID, e.ItemID, string(e.Action), e.Actor,
			e.Timestamp.UTC().Format(time.RFC3339),
			statusOrEmpty(e.FromStatus), statusOrEmpty(e.ToStatus), e.Detail,
		})
	}
	return t
}

var couponHeader = []string{"id", "code", "item_id", "item_name", "user_id", "team_id", "stars_spent", "status", "redeemed_at", "used_at", "cancelled_at"}

func couponTable(coupons []model.Coupon) table {
	t := table{sheet: "Coupons", header: couponHeader}
	for _, c := range coupons {
		var team any = ""
		if c.TeamID != nil {
			team = *c.TeamID
		}
		t.rows = append(t.rows, []any{
			c.ID, c.Code, c.ItemID, c.ItemName, c.UserID, team, c.StarsSpent,
			string(c.Status), c.RedeemedAt.UTC().Format(time.RFC3339),
			timeOrEmpty(c.UsedAt), timeOrEmpty(c.CancelledAt),
		})
	}
	return t
}

// WriteAudit writes entries in the given format.
func WriteAudit(w io.Writer, format Format, entries []model.AuditEntry) error {
	return write(w, format, auditTable(entries))
}

// WriteCoupons writes coupons in the given format.
func WriteCoupons(w io.Writer, format Format, coupons []model.Coupon) error {
	return write(w, format, couponTable(coupons))
}

func write(w io.Writer, format Format, t table) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, t)
	case FormatXLSX:
		return writeXLSX(w, t)
	}
	return fmt.Errorf("unsupported export format %q", format)
}

func writeCSV(w io.Writer, t table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(t.header))
	for _, row := range t.rows {
		for i, v := range row {
			record[i] = cellString(v)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, t table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", t.sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	header := make([]any, len(t.header))
	for i, h := range t.header {
		header[i] = h
	}
	if err := f.SetSheetRow(t.sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header row: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(t.header), 1)
	if err != nil {
		return fmt.Errorf("header range: %w", err)
	}
	if err := f.SetCellStyle(t.sheet, "A1", last, bold); err != nil {
		return fmt.Errorf("style header row: %w", err)
	}

	for i, row := range t.rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("row %d: %w", i+2, err)
		}
		if err := f.SetSheetRow(t.sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func cellString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return fmt.Sprint(v)
}

func statusOrEmpty(s *model.ItemStatus) string {
	if s == nil {
		return ""
	}
	return string(*s)
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
