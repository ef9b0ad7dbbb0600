// Package export flattens a finished job into per-item review records,
// serializable as pretty JSON or RFC 4180 CSV.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"media-alt-batcher/internal/models"
)

// Header is the fixed CSV column order.
var Header = []string{"id", "filename", "old_alt", "new_alt", "status", "error"}

// Record is one item flattened for review or audit.
type Record struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	OldAlt   string `json:"old_alt"`
	NewAlt   string `json:"new_alt"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

// FromJob projects every item of the job, in input order.
func FromJob(job *models.Job) []Record {
	records := make([]Record, len(job.Items))
	for i, it := range job.Items {
		rec := Record{
			ID:     it.ID,
			Status: string(it.Status),
			Error:  it.Error,
		}
		rec.Filename = payloadString(it.Payload, "filename")
		rec.OldAlt = payloadString(it.Payload, "currentAlt")
		rec.NewAlt = it.ProposedAlt
		if rec.NewAlt == "" {
			if alt, ok := it.Result["altText"].(string); ok {
				rec.NewAlt = alt
			}
		}
		if rec.NewAlt == "" {
			// Apply jobs carry the reviewed text in the payload.
			rec.NewAlt = payloadString(it.Payload, "proposedAlt")
		}
		records[i] = rec
	}
	return records
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	if v, ok := payload[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// JSON renders records pretty-printed with two-space indentation.
func JSON(records []Record) ([]byte, error) {
	return json.MarshalIndent(records, "", "  ")
}

// CSV renders records with the fixed header; fields containing a comma,
// quote, or newline are quoted with internal quotes doubled.
func CSV(records []Record) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := []string{rec.ID, rec.Filename, rec.OldAlt, rec.NewAlt, rec.Status, rec.Error}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseJSON reads a reviewed export back in, e.g. before an apply job.
func ParseJSON(data []byte) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	return records, nil
}
