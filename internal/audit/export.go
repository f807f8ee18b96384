package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports entries as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports entries as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

var (
	// ErrUnsupportedFormat is returned for export formats other than json and csv.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrInvalidTimeRange is returned when the export start is after its end.
	ErrInvalidTimeRange = errors.New("export start must not be after end")
)

// ParseExportFormat validates a format name.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case ExportFormatCSV, ExportFormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Extension returns the file extension for the format.
func (f ExportFormat) Extension() string {
	return string(f)
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	if f == ExportFormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// ExportOptions configures audit log export parameters.
type ExportOptions struct {
	Format ExportFormat // Export format (csv or json)
	From   time.Time    // Start of time range (inclusive, zero = unbounded)
	To     time.Time    // End of time range (inclusive, zero = unbounded)
	UserID string       // Filter by user ID (optional)
	Limit  int          // Maximum number of entries to export (0 = no limit)
}

// csvHeader is the CSV column order. It is written even when no entries match.
var csvHeader = []string{
	"id",
	"timestamp",
	"action",
	"resource_type",
	"resource_id",
	"user_id",
	"user_email",
	"user_role",
	"ip_address",
	"user_agent",
	"regulation",
	"requirement",
	"data_types",
	"severity",
	"outcome",
	"details",
	"service_name",
	"function_name",
	"module_name",
	"request_id",
	"previous_hash",
	"entry_hash",
}

// Export returns the entries matching opts, oldest first, in the requested format.
func (c *Chain) Export(opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.Format)
	}
	if !opts.From.IsZero() && !opts.To.IsZero() && opts.From.After(opts.To) {
		return nil, ErrInvalidTimeRange
	}

	entries := filterEntries(c.Entries(), opts)

	switch opts.Format {
	case ExportFormatCSV:
		return exportToCSV(entries)
	default:
		return exportToJSON(entries)
	}
}

// filterEntries applies the time range, user filter and limit, in that order.
func filterEntries(entries []*Entry, opts ExportOptions) []*Entry {
	filtered := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if !opts.From.IsZero() && e.Timestamp.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && e.Timestamp.After(opts.To) {
			continue
		}
		if opts.UserID != "" && e.UserID != opts.UserID {
			continue
		}
		filtered = append(filtered, e)
		if opts.Limit > 0 && len(filtered) >= opts.Limit {
			break
		}
	}
	return filtered
}

// exportToCSV exports entries to CSV format.
func exportToCSV(entries []*Entry) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		details := ""
		if len(e.Details) > 0 {
			raw, err := json.Marshal(e.Details)
			if err != nil {
				return nil, fmt.Errorf("failed to encode details of entry %s: %w", e.ID, err)
			}
			details = string(raw)
		}

		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Action),
			e.ResourceType,
			e.ResourceID,
			e.UserID,
			e.UserEmail,
			e.UserRole,
			e.IPAddress,
			e.UserAgent,
			e.Regulation,
			e.Requirement,
			strings.Join(e.DataTypes, ";"),
			string(e.Severity),
			string(e.Outcome),
			details,
			e.ServiceName,
			e.FunctionName,
			e.ModuleName,
			e.RequestID,
			e.PreviousHash,
			e.EntryHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// exportToJSON exports entries to a JSON array. An empty result is "[]".
func exportToJSON(entries []*Entry) ([]byte, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
