package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"github.com/notch8/bulkrax/internal/entry"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
	"github.com/notch8/bulkrax/internal/models"
	"gorm.io/gorm"
)

// Trailing columns of the errored-entries CSV.
const (
	ColumnErrorClass   = "error_class"
	ColumnErrorMessage = "error_message"
)

// FailedWorks returns the failed work entries of an importer. A runID of 0
// means every run.
func FailedWorks(db *gorm.DB, importerID, runID uint) ([]models.Entry, error) {
	q := db.Where("owner_id = ? AND owner_kind = ? AND kind = ? AND status = ?",
		importerID, models.OwnerImporter, models.EntryWork, models.EntryFailed)
	if runID != 0 {
		q = q.Where("run_id = ?", runID)
	}
	var out []models.Entry
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, failure.Infrastructure("pipeline: list failed entries", err)
	}
	return out, nil
}

// WriteErrors writes failed entries as CSV: their raw source fields, so the
// file can be corrected and re-imported, followed by the error columns.
func WriteErrors(w io.Writer, entries []models.Entry) error {
	rows := make([]map[string]string, 0, len(entries))
	keys := map[string]bool{}
	for i := range entries {
		rec, err := entry.Record(&entries[i])
		if err != nil {
			return err
		}
		fields := rec.Fields
		if len(fields) == 0 {
			// xml-backed records have no flat fields
			fields = map[string]string{mapping.FieldSourceIdentifier: rec.Identifier}
		}
		for k := range fields {
			keys[k] = true
		}
		row := make(map[string]string, len(fields)+2)
		for k, v := range fields {
			row[k] = v
		}
		row[ColumnErrorClass] = entries[i].ErrorClass
		row[ColumnErrorMessage] = entries[i].ErrorMessage
		rows = append(rows, row)
	}

	headers := make([]string, 0, len(keys)+2)
	for k := range keys {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	headers = append(headers, ColumnErrorClass, ColumnErrorMessage)

	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("pipeline: write errors header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, h := range headers {
			record[i] = row[h]
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("pipeline: write errors row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
