package migrate

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// TableReport lists a single table's violations. An empty Violations slice
// means the table is compliant.
type TableReport struct {
	Table        string   `json:"table" yaml:"table"`
	TenantColumn string   `json:"tenant_column" yaml:"tenant_column"`
	Violations   []string `json:"violations,omitempty" yaml:"violations,omitempty"`
}

// Report is the machine-readable outcome of a guard run.
type Report struct {
	CheckedAt time.Time     `json:"checked_at" yaml:"checked_at"`
	Mode      string        `json:"mode" yaml:"mode"`
	Tables    []TableReport `json:"tables" yaml:"tables"`
}

// Ok reports whether every checked table is compliant.
func (r *Report) Ok() bool {
	for _, t := range r.Tables {
		if len(t.Violations) > 0 {
			return false
		}
	}
	return true
}

// ViolationCount returns the total number of violations across all tables.
func (r *Report) ViolationCount() int {
	n := 0
	for _, t := range r.Tables {
		n += len(t.Violations)
	}
	return n
}

// Render serializes the report as "json" or "yaml".
func (r *Report) Render(format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(r, "", "  ")
	case "yaml":
		return yaml.Marshal(r)
	default:
		return nil, fmt.Errorf("migrate: unknown report format %q", format)
	}
}
