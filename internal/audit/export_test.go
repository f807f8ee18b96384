package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExport_JSONRoundTrip(t *testing.T) {
	c := newTestChain(t, 6)

	data, err := c.Export(ExportOptions{Format: ExportFormatJSON})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}

	var parsed []*Entry
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse JSON export: %v", err)
	}
	if len(parsed) != 6 {
		t.Fatalf("exported %d entries, want 6", len(parsed))
	}
	if valid, problems := VerifyEntries(parsed); !valid {
		t.Errorf("parsed export should verify: %v", problems)
	}

	parsed[2].ResourceID = "edited"
	if valid, _ := VerifyEntries(parsed); valid {
		t.Error("edited export should fail verification")
	}
}

func TestExport_JSONShape(t *testing.T) {
	c := New(Config{ServiceName: "svc"})
	if _, err := c.Log(context.Background(), LogEntry{Action: ActionLogin, ResourceType: "session"}); err != nil {
		t.Fatalf("Log() error: %v", err)
	}

	data, err := c.Export(ExportOptions{Format: ExportFormatJSON})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to parse JSON export: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("exported %d entries, want 1", len(raw))
	}
	for _, field := range []string{"id", "timestamp", "action", "resource_type", "severity", "outcome", "previous_hash", "entry_hash", "service_name"} {
		if _, ok := raw[0][field]; !ok {
			t.Errorf("JSON export missing field %q", field)
		}
	}
	if raw[0]["previous_hash"] != "" {
		t.Errorf("previous_hash of first entry = %v, want empty string", raw[0]["previous_hash"])
	}
}

func TestExport_TimeRange(t *testing.T) {
	// Entries at 00:00:00 through 00:00:09.
	c := newTestChain(t, 10)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		from    time.Time
		to      time.Time
		wantLen int
	}{
		{name: "unbounded", wantLen: 10},
		{name: "inclusive bounds", from: base.Add(2 * time.Second), to: base.Add(5 * time.Second), wantLen: 4},
		{name: "single instant", from: base.Add(3 * time.Second), to: base.Add(3 * time.Second), wantLen: 1},
		{name: "from only", from: base.Add(8 * time.Second), wantLen: 2},
		{name: "to only", to: base.Add(time.Second), wantLen: 2},
		{name: "no match", from: base.Add(time.Hour), wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := c.Export(ExportOptions{Format: ExportFormatJSON, From: tt.from, To: tt.to})
			if err != nil {
				t.Fatalf("Export() error: %v", err)
			}
			var parsed []*Entry
			if err := json.Unmarshal(data, &parsed); err != nil {
				t.Fatalf("failed to parse JSON export: %v", err)
			}
			if len(parsed) != tt.wantLen {
				t.Fatalf("exported %d entries, want %d", len(parsed), tt.wantLen)
			}
			for _, e := range parsed {
				if !tt.from.IsZero() && e.Timestamp.Before(tt.from) {
					t.Errorf("entry %s at %v is before %v", e.ID, e.Timestamp, tt.from)
				}
				if !tt.to.IsZero() && e.Timestamp.After(tt.to) {
					t.Errorf("entry %s at %v is after %v", e.ID, e.Timestamp, tt.to)
				}
			}
		})
	}
}

func TestExport_UserAndLimit(t *testing.T) {
	// Users rotate user-a, user-b, user-c.
	c := newTestChain(t, 9)

	data, err := c.Export(ExportOptions{Format: ExportFormatJSON, UserID: "user-b"})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	var parsed []*Entry
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse JSON export: %v", err)
	}
	if len(parsed) != 3 {
		t.Fatalf("exported %d entries for user-b, want 3", len(parsed))
	}
	for _, e := range parsed {
		if e.UserID != "user-b" {
			t.Errorf("exported entry for %q", e.UserID)
		}
	}

	data, err = c.Export(ExportOptions{Format: ExportFormatJSON, Limit: 4})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	parsed = nil
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse JSON export: %v", err)
	}
	if len(parsed) != 4 {
		t.Fatalf("exported %d entries with limit 4", len(parsed))
	}
	// The oldest entries are kept, so the prefix still verifies.
	if valid, problems := VerifyEntries(parsed); !valid {
		t.Errorf("limited export should verify: %v", problems)
	}
}

func TestExport_CSV(t *testing.T) {
	c := New(Config{ServiceName: "svc"})
	_, err := c.Log(context.Background(), LogEntry{
		Action:       ActionRead,
		ResourceType: "record",
		ResourceID:   "rec, \"quoted\"",
		UserID:       "user-1",
		DataTypes:    []string{"PII", "PHI"},
		Details:      Details{"note": "line1\nline2"},
	})
	if err != nil {
		t.Fatalf("Log() error: %v", err)
	}

	data, err := c.Export(ExportOptions{Format: ExportFormatCSV})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("CSV has %d records, want header plus 1", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(csvHeader, ",") {
		t.Errorf("header = %v", records[0])
	}

	row := make(map[string]string, len(csvHeader))
	for i, col := range csvHeader {
		row[col] = records[1][i]
	}
	if row["resource_id"] != "rec, \"quoted\"" {
		t.Errorf("resource_id = %q", row["resource_id"])
	}
	if row["data_types"] != "PII;PHI" {
		t.Errorf("data_types = %q, want PII;PHI", row["data_types"])
	}
	if row["details"] != `{"note":"line1\nline2"}` {
		t.Errorf("details = %q", row["details"])
	}
	if row["previous_hash"] != "" || len(row["entry_hash"]) != 64 {
		t.Errorf("unexpected hashes: previous=%q entry=%q", row["previous_hash"], row["entry_hash"])
	}
	if _, err := time.Parse(time.RFC3339Nano, row["timestamp"]); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", row["timestamp"], err)
	}
}

func TestExport_Empty(t *testing.T) {
	c := New(Config{})

	data, err := c.Export(ExportOptions{Format: ExportFormatCSV})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse CSV: %v", err)
	}
	if len(records) != 1 || records[0][0] != "id" {
		t.Errorf("empty CSV export should hold only the header, got %v", records)
	}

	data, err = c.Export(ExportOptions{Format: ExportFormatJSON})
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("empty JSON export = %q, want []", data)
	}
}

func TestExport_Errors(t *testing.T) {
	c := newTestChain(t, 2)
	now := time.Now()

	tests := []struct {
		name    string
		opts    ExportOptions
		wantErr error
	}{
		{name: "unknown format", opts: ExportOptions{Format: "xml"}, wantErr: ErrUnsupportedFormat},
		{name: "empty format", opts: ExportOptions{}, wantErr: ErrUnsupportedFormat},
		{name: "start after end", opts: ExportOptions{Format: ExportFormatCSV, From: now, To: now.Add(-time.Second)}, wantErr: ErrInvalidTimeRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Export(tt.opts); !errors.Is(err, tt.wantErr) {
				t.Errorf("Export() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseExportFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    ExportFormat
		wantErr bool
	}{
		{input: "csv", want: ExportFormatCSV},
		{input: " JSON ", want: ExportFormatJSON},
		{input: "xml", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseExportFormat(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("ParseExportFormat(%q) error = %v, want ErrUnsupportedFormat", tt.input, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseExportFormat(%q) = %q, %v", tt.input, got, err)
			}
		})
	}

	if ExportFormatCSV.ContentType() != "text/csv" || ExportFormatJSON.ContentType() != "application/json" {
		t.Error("unexpected content types")
	}
}
