package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// OutputFormat represents the output format for command results.
type OutputFormat string

const (
	// FormatText renders tables for humans.
	FormatText OutputFormat = "text"
	// FormatJSON is indented JSON.
	FormatJSON OutputFormat = "json"
	// FormatCSV is CSV with a header row.
	FormatCSV OutputFormat = "csv"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatCSV:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or csv)", s)
	}
}

// Tabular is implemented by results that render as a table or CSV.
type Tabular interface {
	Header() []string
	Rows() [][]string
}

// Render writes v to w in format. Text and CSV require v to be Tabular;
// JSON encodes v as is.
func Render(w io.Writer, format OutputFormat, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatCSV:
		t, ok := v.(Tabular)
		if !ok {
			return fmt.Errorf("%T cannot be rendered as CSV", v)
		}
		cw := csv.NewWriter(w)
		if err := cw.Write(t.Header()); err != nil {
			return err
		}
		if err := cw.WriteAll(t.Rows()); err != nil {
			return err
		}
		return cw.Error()
	default:
		t, ok := v.(Tabular)
		if !ok {
			_, err := fmt.Fprintf(w, "%v\n", v)
			return err
		}
		table := NewTable(w, t.Header())
		table.AppendBulk(t.Rows())
		table.Render()
		return nil
	}
}

// NewTable returns a borderless, left-aligned table writing to w.
func NewTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

// Status colors.
var (
	Red    = color.New(color.FgRed, color.Bold)
	Green  = color.New(color.FgGreen, color.Bold)
	Yellow = color.New(color.FgYellow, color.Bold)
	Cyan   = color.New(color.FgCyan)
	Dim    = color.New(color.Faint)
)

// ActionColor returns the color used to print an enforcement action.
func ActionColor(action string) *color.Color {
	switch action {
	case "block", "error":
		return Red
	case "alert":
		return Yellow
	case "override", "allowlist_bypass":
		return Cyan
	default:
		return Green
	}
}

// Success prints a green check mark line to w.
func Success(w io.Writer, format string, args ...any) {
	Green.Fprint(w, "✓ ")
	fmt.Fprintf(w, format+"\n", args...)
}

// Failure prints a red cross line to w.
func Failure(w io.Writer, format string, args ...any) {
	Red.Fprint(w, "✗ ")
	fmt.Fprintf(w, format+"\n", args...)
}
