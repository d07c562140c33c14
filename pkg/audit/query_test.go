package audit

import (
	"errors"
	"testing"
	"time"
)

func TestQuery_Validate(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)

	tests := []struct {
		name    string
		query   Query
		wantErr bool
	}{
		{"empty", Query{}, false},
		{"full", Query{StartTime: &earlier, EndTime: &now, Limit: 10, SortOrder: "asc", EnforcementAction: ActionBlock}, false},
		{"negative limit", Query{Limit: -1}, true},
		{"limit too large", Query{Limit: MaxLimit + 1}, true},
		{"negative offset", Query{Offset: -5}, true},
		{"inverted range", Query{StartTime: &now, EndTime: &earlier}, true},
		{"bad sort", Query{SortOrder: "sideways"}, true},
		{"bad action", Query{EnforcementAction: "quarantine"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var qe *QueryError
				if !errors.As(err, &qe) {
					t.Errorf("error type = %T, want *QueryError", err)
				}
			}
		})
	}
}

func TestQuery_ApplyDefaults(t *testing.T) {
	q := Query{}
	q.ApplyDefaults()
	if q.Limit != DefaultLimit || q.SortOrder != "desc" {
		t.Errorf("ApplyDefaults() = %+v", q)
	}

	q = Query{Limit: 5, SortOrder: "asc"}
	q.ApplyDefaults()
	if q.Limit != 5 || q.SortOrder != "asc" {
		t.Errorf("ApplyDefaults() overwrote explicit values: %+v", q)
	}
}

func TestEvent_CloneAndDeviceKey(t *testing.T) {
	e := &Event{SourceIP: "10.0.0.2", Metadata: map[string]any{"k": "v"}}
	if e.DeviceKey() != "10.0.0.2" {
		t.Errorf("DeviceKey() = %q, want source IP", e.DeviceKey())
	}
	e.Device = "laptop"
	if e.DeviceKey() != "laptop" {
		t.Errorf("DeviceKey() = %q, want device", e.DeviceKey())
	}

	c := e.Clone()
	c.Metadata["k"] = "changed"
	if e.Metadata["k"] != "v" {
		t.Error("Clone() shares metadata with the original")
	}
}
