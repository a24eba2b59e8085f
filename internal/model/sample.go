package model

import "fmt"

// Tier names a dataset difficulty level. It controls how many target metrics
// a sample carries and how much schema variation the source document shows.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierSimple, TierModerate, TierComplex:
		return true
	}
	return false
}

// Sample is one labeled (machine, day) data point: a schema-varied source
// document and the ground-truth target document. Immutable once loaded.
type Sample struct {
	SampleID    string         `json:"sample_id"`
	MachineID   string         `json:"machine_id"`
	Day         int            `json:"day"`
	Tier        Tier           `json:"difficulty_tier"`
	VariationID string         `json:"schema_variation_id,omitempty"`
	Source      map[string]any `json:"source_document"`
	Target      map[string]any `json:"target_document"`
}

// SampleID builds the canonical sample identity for a machine/day pair.
// Identities are unique within a tier.
func SampleID(machineID string, day int) string {
	return fmt.Sprintf("%s-d%03d", machineID, day)
}
