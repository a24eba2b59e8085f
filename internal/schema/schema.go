// Package schema defines the fixed target record and validates raw model
// output against it. Parsing failures and schema violations stay
// distinguishable: ExtractJSON returns *model.ParseError, Validate returns
// *model.SchemaError. Both are pure and deterministic.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/mapeval-cli/internal/model"
)

// FieldType is the wire type a target field must carry.
type FieldType string

const (
	TypeDate   FieldType = "date" // string, YYYY-MM-DD
	TypeFloat  FieldType = "float"
	TypeInt    FieldType = "int"
	TypeBool   FieldType = "bool"
	TypeString FieldType = "enum"
)

// Field describes one target-record field.
type Field struct {
	Name string
	Type FieldType
	Enum []string
	Desc string
}

// baseFields is the simple-tier target record.
var baseFields = []Field{
	{Name: "date", Type: TypeDate, Desc: "Date of the observation. Format: YYYY-MM-DD"},
	{Name: "operation_hours", Type: TypeFloat, Desc: "Number of hours the machine was running on that day."},
	{Name: "energy_consumption_kWh", Type: TypeFloat, Desc: "Energy consumption in kWh."},
	{Name: "material_used_kg", Type: TypeFloat, Desc: "Amount of material used in kg."},
	{Name: "material_waste_kg", Type: TypeFloat, Desc: "Amount of material waste in kg."},
	{Name: "CO2_emissions_kg", Type: TypeFloat, Desc: "Amount of CO2 emissions in kg."},
	{Name: "water_consumption_liters", Type: TypeFloat, Desc: "Amount of water consumed in liters."},
	{Name: "water_recycled_liters", Type: TypeFloat, Desc: "Amount of water recycled in liters."},
	{Name: "product_output_units", Type: TypeInt, Desc: "Number of product units produced on that day."},
}

// extendedFields are added for the moderate and complex tiers.
var extendedFields = []Field{
	{Name: "operating_temperature_C", Type: TypeFloat, Desc: "Operating temperature in Celsius."},
	{Name: "ambient_humidity_percent", Type: TypeFloat, Desc: "Ambient humidity percentage."},
	{Name: "vibration_level_mmps", Type: TypeFloat, Desc: "Vibration level in mm/s."},
	{Name: "renewable_energy_percent", Type: TypeFloat, Desc: "Percentage of energy from renewable sources."},
	{Name: "downtime_minutes", Type: TypeInt, Desc: "Total downtime in minutes."},
	{Name: "noise_level_dB", Type: TypeInt, Desc: "Noise level in decibels."},
	{Name: "worker_count", Type: TypeInt, Desc: "Number of workers present."},
	{Name: "lubrication_level", Type: TypeString, Enum: []string{"low", "medium", "high"}, Desc: "Lubrication level of the machine."},
	{Name: "cooling_system_status", Type: TypeString, Enum: []string{"operational", "faulty", "off"}, Desc: "Status of the cooling system."},
	{Name: "maintenance_required", Type: TypeBool, Desc: "Whether maintenance is required or not."},
	{Name: "fuel_type", Type: TypeString, Enum: []string{"electric", "diesel", "natural_gas", "hybrid"}, Desc: "Type of fuel used by the machine."},
}

// Fields returns the target record definition for a tier.
func Fields(tier model.Tier) []Field {
	if tier == model.TierSimple {
		return baseFields
	}
	out := make([]Field, 0, len(baseFields)+len(extendedFields))
	out = append(out, baseFields...)
	out = append(out, extendedFields...)
	return out
}

// Render produces a compact schema description for prompt injection.
func Render(tier model.Tier) string {
	var b strings.Builder
	b.WriteString("{\n")
	fields := Fields(tier)
	for i, f := range fields {
		typ := string(f.Type)
		if len(f.Enum) > 0 {
			typ = "one of: " + strings.Join(f.Enum, " | ")
		}
		fmt.Fprintf(&b, "  %q: <%s>  // %s", f.Name, typ, f.Desc)
		if i < len(fields)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String()
}

// JSONSchema renders the tier's target record as a JSON Schema document for
// providers with structured-output support.
func JSONSchema(tier model.Tier) json.RawMessage {
	fields := Fields(tier)

	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		p := map[string]any{"description": f.Desc}
		switch f.Type {
		case TypeDate:
			p["type"] = "string"
		case TypeFloat:
			p["type"] = "number"
		case TypeInt:
			p["type"] = "integer"
		case TypeBool:
			p["type"] = "boolean"
		case TypeString:
			p["type"] = "string"
			p["enum"] = f.Enum
		}
		props[f.Name] = p
		required = append(required, f.Name)
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}

	// Marshalling a map of JSON-safe values cannot fail.
	raw, _ := json.Marshal(doc)
	return raw
}

// Validate checks a parsed document against the tier's target record. It
// returns nil or a *model.SchemaError listing every violated field. Values
// are never coerced: a string where a number belongs is a violation even if
// it would parse.
func Validate(doc map[string]any, tier model.Tier) error {
	var violations []model.FieldViolation

	fields := Fields(tier)
	known := make(map[string]bool, len(fields))

	for _, f := range fields {
		known[f.Name] = true

		val, ok := doc[f.Name]
		if !ok {
			violations = append(violations, model.FieldViolation{Field: f.Name, Reason: "missing"})
			continue
		}
		if reason := checkValue(f, val); reason != "" {
			violations = append(violations, model.FieldViolation{Field: f.Name, Reason: reason})
		}
	}

	for key := range doc {
		if !known[key] {
			violations = append(violations, model.FieldViolation{Field: key, Reason: "unknown field"})
		}
	}

	if len(violations) == 0 {
		return nil
	}
	sortViolations(violations)
	return &model.SchemaError{Violations: violations}
}

// checkValue returns "" when val satisfies f, otherwise the violation reason.
func checkValue(f Field, val any) string {
	switch f.Type {
	case TypeDate:
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("expected string date, got %T", val)
		}
		if !validDate(s) {
			return fmt.Sprintf("expected YYYY-MM-DD, got %q", s)
		}

	case TypeFloat:
		if _, ok := val.(float64); !ok {
			return fmt.Sprintf("expected number, got %T", val)
		}

	case TypeInt:
		n, ok := val.(float64)
		if !ok {
			return fmt.Sprintf("expected integer, got %T", val)
		}
		if n != float64(int64(n)) {
			return fmt.Sprintf("expected integer, got %v", n)
		}

	case TypeBool:
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", val)
		}

	case TypeString:
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %T", val)
		}
		for _, e := range f.Enum {
			if s == e {
				return ""
			}
		}
		return fmt.Sprintf("%q not one of: %s", s, strings.Join(f.Enum, ", "))
	}
	return ""
}

// validDate checks the YYYY-MM-DD shape without coercing to time.Time, so
// "2024-1-05" and "2024/01/05" stay violations.
func validDate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i, c := range s {
		if i == 4 || i == 7 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	month := int(s[5]-'0')*10 + int(s[6]-'0')
	day := int(s[8]-'0')*10 + int(s[9]-'0')
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}

// sortViolations keeps error output deterministic for identical input.
func sortViolations(v []model.FieldViolation) {
	sort.Slice(v, func(i, j int) bool { return v[i].Field < v[j].Field })
}
