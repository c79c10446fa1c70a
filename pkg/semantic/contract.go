// Package semantic defines the semantic contract: the versioned vocabulary of
// metrics, dimensions, joins and filter fields the pipeline is allowed to
// reason over. The contract is loaded once per session and never mutated.
package semantic

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Grain is a supported time grain for time dimensions.
type Grain string

const (
	GrainDaily     Grain = "daily"
	GrainWeekly    Grain = "weekly"
	GrainMonthly   Grain = "monthly"
	GrainQuarterly Grain = "quarterly"
	GrainYearly    Grain = "yearly"
)

// Grains lists all supported time grains.
var Grains = []Grain{GrainDaily, GrainWeekly, GrainMonthly, GrainQuarterly, GrainYearly}

// ValidGrain reports whether g is a supported grain.
func ValidGrain(g Grain) bool {
	for _, known := range Grains {
		if g == known {
			return true
		}
	}
	return false
}

// Operators lists the filter operators the contract permits.
var Operators = []string{"=", "!=", ">", "<", ">=", "<=", "in", "not_in", "between", "like"}

// ValidOperator reports whether op is a supported filter operator.
func ValidOperator(op string) bool {
	for _, known := range Operators {
		if op == known {
			return true
		}
	}
	return false
}

// Table describes a warehouse table the pipeline may query.
type Table struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
}

// Metric is a measurable quantity (always aggregated).
type Metric struct {
	ID          string   `yaml:"id"`
	Label       string   `yaml:"label,omitempty"`
	Aggregation string   `yaml:"aggregation"` // sum, avg, count, min, max
	Table       string   `yaml:"table"`
	Column      string   `yaml:"column"`
	Aliases     []string `yaml:"aliases,omitempty"`
}

// Dimension is a grouping attribute. Time dimensions carry the grains they
// can be rolled up to.
type Dimension struct {
	ID      string   `yaml:"id"`
	Kind    string   `yaml:"kind,omitempty"` // "category" (default) or "time"
	Table   string   `yaml:"table"`
	Column  string   `yaml:"column"`
	Grains  []Grain  `yaml:"grains,omitempty"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// IsTime reports whether the dimension is a time dimension.
func (d Dimension) IsTime() bool { return d.Kind == "time" }

// SupportsGrain reports whether a time dimension can be rolled up to g.
func (d Dimension) SupportsGrain(g Grain) bool {
	for _, known := range d.Grains {
		if g == known {
			return true
		}
	}
	return false
}

// Join describes how two tables relate.
type Join struct {
	Left  string `yaml:"left"`
	Right string `yaml:"right"`
	On    string `yaml:"on"`
}

// FilterField is a field questions may filter on, with its allowed operators.
type FilterField struct {
	Field     string   `yaml:"field"`
	Column    string   `yaml:"column"`
	Operators []string `yaml:"operators,omitempty"`
}

// Contract is the full semantic contract document.
type Contract struct {
	Version    int           `yaml:"version"`
	Tables     []Table       `yaml:"tables"`
	Metrics    []Metric      `yaml:"metrics"`
	Dimensions []Dimension   `yaml:"dimensions"`
	Joins      []Join        `yaml:"joins,omitempty"`
	Filters    []FilterField `yaml:"filters,omitempty"`

	raw []byte
}

// Load reads and parses a contract document from disk.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract: %w", err)
	}
	return Parse(data)
}

// Parse parses a contract document from YAML bytes.
func Parse(data []byte) (*Contract, error) {
	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse contract: %w", err)
	}
	c.raw = data
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks internal consistency: unique ids, references to known
// tables and columns, legal grains and operators.
func (c *Contract) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("contract version is required")
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("contract has no tables")
	}
	if len(c.Metrics) == 0 {
		return fmt.Errorf("contract has no metrics")
	}

	tables := make(map[string]map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table with empty name")
		}
		if _, dup := tables[t.Name]; dup {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		cols := make(map[string]bool, len(t.Columns))
		for _, col := range t.Columns {
			cols[col] = true
		}
		tables[t.Name] = cols
	}

	ids := make(map[string]bool)
	for _, m := range c.Metrics {
		if m.ID == "" {
			return fmt.Errorf("metric with empty id")
		}
		if ids[m.ID] {
			return fmt.Errorf("duplicate id %q", m.ID)
		}
		ids[m.ID] = true
		cols, ok := tables[m.Table]
		if !ok {
			return fmt.Errorf("metric %q references unknown table %q", m.ID, m.Table)
		}
		if !cols[m.Column] && m.Column != "*" {
			return fmt.Errorf("metric %q references unknown column %q.%q", m.ID, m.Table, m.Column)
		}
	}
	for _, d := range c.Dimensions {
		if d.ID == "" {
			return fmt.Errorf("dimension with empty id")
		}
		if ids[d.ID] {
			return fmt.Errorf("duplicate id %q", d.ID)
		}
		ids[d.ID] = true
		cols, ok := tables[d.Table]
		if !ok {
			return fmt.Errorf("dimension %q references unknown table %q", d.ID, d.Table)
		}
		if !cols[d.Column] {
			return fmt.Errorf("dimension %q references unknown column %q.%q", d.ID, d.Table, d.Column)
		}
		for _, g := range d.Grains {
			if !ValidGrain(g) {
				return fmt.Errorf("dimension %q has unknown grain %q", d.ID, g)
			}
		}
	}
	for _, j := range c.Joins {
		if _, ok := tables[j.Left]; !ok {
			return fmt.Errorf("join references unknown table %q", j.Left)
		}
		if _, ok := tables[j.Right]; !ok {
			return fmt.Errorf("join references unknown table %q", j.Right)
		}
	}
	for _, f := range c.Filters {
		if f.Field == "" {
			return fmt.Errorf("filter field with empty name")
		}
		for _, op := range f.Operators {
			if !ValidOperator(op) {
				return fmt.Errorf("filter field %q has unknown operator %q", f.Field, op)
			}
		}
	}
	return nil
}

// Metric returns the metric with the given id.
func (c *Contract) Metric(id string) (Metric, bool) {
	for _, m := range c.Metrics {
		if m.ID == id {
			return m, true
		}
	}
	return Metric{}, false
}

// Dimension returns the dimension with the given id.
func (c *Contract) Dimension(id string) (Dimension, bool) {
	for _, d := range c.Dimensions {
		if d.ID == id {
			return d, true
		}
	}
	return Dimension{}, false
}

// FilterField returns the filter field definition for the given name.
func (c *Contract) FilterField(field string) (FilterField, bool) {
	for _, f := range c.Filters {
		if f.Field == field {
			return f, true
		}
	}
	return FilterField{}, false
}

// Canonical maps a word to a canonical metric or dimension id via the alias
// lists. Unknown words are returned unchanged so the validator can name them.
func (c *Contract) Canonical(word string) string {
	w := strings.ToLower(strings.TrimSpace(word))
	for _, m := range c.Metrics {
		if m.ID == w {
			return m.ID
		}
		for _, a := range m.Aliases {
			if strings.ToLower(a) == w {
				return m.ID
			}
		}
	}
	for _, d := range c.Dimensions {
		if d.ID == w {
			return d.ID
		}
		for _, a := range d.Aliases {
			if strings.ToLower(a) == w {
				return d.ID
			}
		}
	}
	return w
}

// MetricIDs returns all metric ids in declaration order.
func (c *Contract) MetricIDs() []string {
	out := make([]string, 0, len(c.Metrics))
	for _, m := range c.Metrics {
		out = append(out, m.ID)
	}
	return out
}

// DimensionIDs returns all dimension ids in declaration order.
func (c *Contract) DimensionIDs() []string {
	out := make([]string, 0, len(c.Dimensions))
	for _, d := range c.Dimensions {
		out = append(out, d.ID)
	}
	return out
}

// AllowedTables returns the set of table names queries may reference.
func (c *Contract) AllowedTables() map[string]bool {
	out := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		out[t.Name] = true
	}
	return out
}

// AllowedColumns returns the set of column names queries may reference,
// both bare ("revenue") and qualified ("fact_sales.revenue").
func (c *Contract) AllowedColumns() map[string]bool {
	out := make(map[string]bool)
	for _, t := range c.Tables {
		for _, col := range t.Columns {
			out[col] = true
			out[t.Name+"."+col] = true
		}
	}
	return out
}

// YAML returns the raw contract document as loaded, for prompt construction.
func (c *Contract) YAML() string {
	if len(c.raw) > 0 {
		return string(c.raw)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}
