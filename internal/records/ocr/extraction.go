package ocr

import (
	"strconv"
	"strings"
)

// Extraction is one raw OCR result for a card side. The recognizer is loose
// about key casing and naming, so values are read through ordered synonym
// lists rather than direct key access. An extraction is consumed once while
// merging into a draft and then discarded, never persisted.
type Extraction map[string]any

// Logical field names used by the session and classifier.
const (
	FieldName          = "name"
	FieldNationalID    = "nationalId"
	FieldAddress       = "address"
	FieldDateOfBirth   = "dob"
	FieldAge           = "age"
	FieldOccupation    = "occupation"
	FieldGender        = "gender"
	FieldReligion      = "religion"
	FieldMaritalStatus = "maritalStatus"
	FieldHusbandName   = "husbandName"
	FieldExpiryDate    = "expiryDate"
)

// synonyms maps each logical field to the accepted payload keys in
// resolution order. First present, non-empty match wins. The occupation
// list mirrors every spelling the recognizer has been seen to emit,
// including the misspelled "proffession".
var synonyms = map[string][]string{
	FieldName:          {"name", "Name", "fullName", "FullName"},
	FieldNationalID:    {"nationalId", "NationalId", "idNumber", "IdNumber", "id", "Id"},
	FieldAddress:       {"address", "Address"},
	FieldDateOfBirth:   {"dob", "Dob", "dateOfBirth", "DateOfBirth", "birthDate", "BirthDate"},
	FieldAge:           {"age", "Age"},
	FieldOccupation:    {"occupation", "Occupation", "profession", "Profession", "proffession", "Proffession", "job", "Job", "jobTitle", "JobTitle"},
	FieldGender:        {"gender", "Gender", "sex", "Sex"},
	FieldReligion:      {"religion", "Religion"},
	FieldMaritalStatus: {"maritalStatus", "MaritalStatus", "marital", "Marital"},
	FieldHusbandName:   {"husbandName", "HusbandName", "husband", "Husband"},
	FieldExpiryDate:    {"expiryDate", "ExpiryDate", "endDate", "EndDate"},
}

// Unwrap peels the optional single-level "data" envelope some gateway
// deployments wrap around the field map.
func (e Extraction) Unwrap() Extraction {
	if inner, ok := e["data"].(map[string]any); ok {
		return Extraction(inner)
	}
	return e
}

// String resolves a logical field to its first non-empty string value.
// Numeric payload values are stringified; absent fields yield "".
func (e Extraction) String(field string) string {
	for _, key := range synonyms[field] {
		v, ok := e[key]
		if !ok {
			continue
		}
		if s := stringify(v); s != "" {
			return s
		}
	}
	return ""
}

// Number resolves a logical field to a numeric value. Only genuine numbers
// and numeric strings count; anything else reports false.
func (e Extraction) Number(field string) (float64, bool) {
	for _, key := range synonyms[field] {
		v, ok := e[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	default:
		return ""
	}
}

// front/back field sets used for side classification
var (
	frontFields = []string{FieldName, FieldNationalID, FieldAddress, FieldDateOfBirth}
	backFields  = []string{FieldOccupation, FieldGender, FieldReligion, FieldMaritalStatus, FieldHusbandName, FieldExpiryDate}
)

// LooksLikeFront reports whether the payload carries any front-side field.
func (e Extraction) LooksLikeFront() bool {
	p := e.Unwrap()
	for _, f := range frontFields {
		if p.String(f) != "" {
			return true
		}
	}
	return false
}

// LooksLikeBack reports whether the payload carries any back-side field.
// Used to reject a back image uploaded as the front (and vice versa)
// before any merge can half-apply the wrong side's data.
func (e Extraction) LooksLikeBack() bool {
	p := e.Unwrap()
	for _, f := range backFields {
		if p.String(f) != "" {
			return true
		}
	}
	return false
}
