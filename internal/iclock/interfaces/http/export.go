package http

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	iclock "iclock-cloud/internal/iclock/domain"
)

// Export formats for command history.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

var historyHeader = []string{"id", "command", "status", "remote", "queued_at", "delivered_at", "responded_at", "stale_at", "bytes_sent"}

func historyRow(record iclock.CommandRecord) []string {
	return []string{
		strconv.FormatInt(record.ID, 10),
		record.Text,
		record.Status(),
		record.Remote,
		record.QueuedAt.UTC().Format(time.RFC3339),
		formatOptional(record.DeliveredAt),
		formatOptional(record.RespondedAt),
		formatOptional(record.StaleAt),
		strconv.Itoa(record.BytesSent),
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// BuildHistoryCSV renders command history as CSV.
func BuildHistoryCSV(records []iclock.CommandRecord) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(historyHeader); err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := writer.Write(historyRow(record)); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryXLSX renders command history into a single sheet.
func BuildHistoryXLSX(sn string, records []iclock.CommandRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "commands"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(sheet, "A1", "Terminal")
	_ = f.SetCellValue(sheet, "B1", sn)
	for col, title := range historyHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 3)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, title)
	}
	for i, record := range records {
		for col, value := range historyRow(record) {
			cell, err := excelize.CoordinatesToCellName(col+1, i+4)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryPDF renders a minimal landscape report of command history.
func BuildHistoryPDF(sn string, records []iclock.CommandRecord, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Terminal Command History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Terminal: %s", sn))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Commands: %d", len(records)))
	pdf.Ln(8)

	widths := []float64{14, 110, 22, 45, 45, 40}
	pdf.SetFont("Arial", "B", 9)
	for i, title := range []string{"ID", "Command", "Status", "Queued", "Delivered", "Remote"} {
		pdf.CellFormat(widths[i], 6, title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, record := range records {
		command := record.Text
		if len(command) > 70 {
			command = command[:67] + "..."
		}
		pdf.CellFormat(widths[0], 6, strconv.FormatInt(record.ID, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[1], 6, command, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 6, record.Status(), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[3], 6, record.QueuedAt.UTC().Format(time.RFC3339), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[4], 6, formatOptional(record.DeliveredAt), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[5], 6, record.Remote, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
