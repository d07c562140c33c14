package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
)

type sampleTable struct {
	Items []sampleRow `json:"items"`
}

type sampleRow struct {
	Policy string `json:"policy"`
	Action string `json:"action"`
}

func (s sampleTable) Header() []string { return []string{"POLICY", "ACTION"} }

func (s sampleTable) Rows() [][]string {
	rows := make([][]string, 0, len(s.Items))
	for _, r := range s.Items {
		rows = append(rows, []string{r.Policy, r.Action})
	}
	return rows
}

func sample() sampleTable {
	return sampleTable{Items: []sampleRow{
		{Policy: "pii_guard", Action: "block"},
		{Policy: "usage, daily", Action: "alert"},
	}}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"junit", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		format OutputFormat
		check  func(t *testing.T, out string)
	}{
		{
			name:   "text table",
			format: FormatText,
			check: func(t *testing.T, out string) {
				for _, want := range []string{"POLICY", "pii_guard", "block", "usage, daily"} {
					if !strings.Contains(out, want) {
						t.Errorf("output missing %q:\n%s", want, out)
					}
				}
			},
		},
		{
			name:   "json",
			format: FormatJSON,
			check: func(t *testing.T, out string) {
				var got sampleTable
				if err := json.Unmarshal([]byte(out), &got); err != nil {
					t.Fatalf("invalid JSON: %v", err)
				}
				if len(got.Items) != 2 || got.Items[0].Policy != "pii_guard" {
					t.Errorf("decoded = %+v", got)
				}
			},
		},
		{
			name:   "csv quotes commas",
			format: FormatCSV,
			check: func(t *testing.T, out string) {
				want := "POLICY,ACTION\npii_guard,block\n\"usage, daily\",alert\n"
				if out != want {
					t.Errorf("csv = %q, want %q", out, want)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Render(&buf, tt.format, sample()); err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			tt.check(t, buf.String())
		})
	}
}

func TestRender_NonTabular(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, FormatCSV, "plain"); err == nil {
		t.Error("CSV of a non-tabular value succeeded")
	}

	buf.Reset()
	if err := Render(&buf, FormatText, "plain"); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if buf.String() != "plain\n" {
		t.Errorf("text = %q", buf.String())
	}
}

func TestActionColor(t *testing.T) {
	tests := map[string]*color.Color{
		"block":            Red,
		"error":            Red,
		"alert":            Yellow,
		"override":         Cyan,
		"allowlist_bypass": Cyan,
		"allow":            Green,
	}
	for action, want := range tests {
		if got := ActionColor(action); got != want {
			t.Errorf("ActionColor(%q) mismatch", action)
		}
	}
}

func TestSuccessAndFailure(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer

	Success(&buf, "loaded %d policies", 3)
	Failure(&buf, "pii_guard")

	want := "✓ loaded 3 policies\n✗ pii_guard\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}
