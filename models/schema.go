package models

import "fmt"

// FieldType is the expected JSON type for a schema field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldList   FieldType = "list"
)

// SchemaField describes one field of an extraction contract.
type SchemaField struct {
	Name     string
	Type     FieldType
	Required bool
}

// ExtractionSchema is the declarative contract LLM output must conform to.
// Not persisted; the two canonical instances live below.
type ExtractionSchema struct {
	Name   string
	Fields []SchemaField
}

// Validate checks a decoded LLM response against the schema. A missing or
// null required field is a validation error; optional fields may be absent.
func (s ExtractionSchema) Validate(record map[string]any) error {
	for _, f := range s.Fields {
		v, ok := record[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("schema %s: required field %q missing", s.Name, f.Name)
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return fmt.Errorf("schema %s: %w", s.Name, err)
		}
	}
	return nil
}

func checkType(f SchemaField, v any) error {
	switch f.Type {
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("field %q: expected string, got %T", f.Name, v)
		}
		if f.Required && s == "" {
			return fmt.Errorf("field %q: required string is empty", f.Name)
		}
	case FieldNumber:
		switch v.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("field %q: expected number, got %T", f.Name, v)
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("field %q: expected bool, got %T", f.Name, v)
		}
	case FieldList:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("field %q: expected list, got %T", f.Name, v)
		}
	}
	return nil
}

// OpportunitySchema is the contract for grant/tender detail pages.
var OpportunitySchema = ExtractionSchema{
	Name: "opportunity",
	Fields: []SchemaField{
		{Name: "title", Type: FieldString, Required: true},
		{Name: "description", Type: FieldString, Required: true},
		{Name: "organization", Type: FieldString, Required: true},
		{Name: "deadline", Type: FieldString},
		{Name: "funding_amount", Type: FieldString},
		{Name: "eligibility", Type: FieldString},
		{Name: "categories", Type: FieldList},
		{Name: "location", Type: FieldString},
		{Name: "application_url", Type: FieldString},
	},
}

// TermsAnalysisSchema is the contract for site terms-of-use pages.
var TermsAnalysisSchema = ExtractionSchema{
	Name: "terms_analysis",
	Fields: []SchemaField{
		{Name: "allows_commercial_use", Type: FieldBool, Required: true},
		{Name: "forbids_scraping", Type: FieldBool, Required: true},
		{Name: "requires_attribution", Type: FieldBool},
		{Name: "has_rate_limits", Type: FieldBool},
		{Name: "notes", Type: FieldString},
	},
}
