package pii

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category is the semantic class of an entity span.
type Category int

const (
	CategoryNone Category = iota
	CategoryPerson
	CategoryOrganization
	CategoryLocation
	CategoryDate
)

var categoryNames = [...]string{
	CategoryNone:         "None",
	CategoryPerson:       "Person",
	CategoryOrganization: "Organization",
	CategoryLocation:     "Location",
	CategoryDate:         "Date",
}

var categoryCodes = [...]string{
	CategoryNone:         "",
	CategoryPerson:       "PER",
	CategoryOrganization: "ORG",
	CategoryLocation:     "LOC",
	CategoryDate:         "DATE",
}

// labelCategories maps the base labels emitted by supported NER models
// (CoNLL/spaCy German and English schemes, plus the fine-grained PII labels
// of the token-classification models) onto categories.
var labelCategories = map[string]Category{
	"PER":          CategoryPerson,
	"PERSON":       CategoryPerson,
	"FIRSTNAME":    CategoryPerson,
	"SURNAME":      CategoryPerson,
	"LASTNAME":     CategoryPerson,
	"NAME":         CategoryPerson,
	"ORG":          CategoryOrganization,
	"ORGANIZATION": CategoryOrganization,
	"COMPANY":      CategoryOrganization,
	"NORP":         CategoryOrganization,
	"LOC":          CategoryLocation,
	"LOCATION":     CategoryLocation,
	"GPE":          CategoryLocation,
	"CITY":         CategoryLocation,
	"COUNTRY":      CategoryLocation,
	"STREET":       CategoryLocation,
	"ADDRESS":      CategoryLocation,
	"FAC":          CategoryLocation,
	"DATE":         CategoryDate,
	"DATEOFBIRTH":  CategoryDate,
	"DOB":          CategoryDate,
}

// AllCategories lists the categories eligible for redaction.
func AllCategories() []Category {
	return []Category{CategoryPerson, CategoryOrganization, CategoryLocation, CategoryDate}
}

// String returns the category name, e.g. "Person".
func (c Category) String() string {
	if c >= 0 && int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Code returns the short tag used in per-category placeholders, e.g. "PER".
func (c Category) Code() string {
	if c >= 0 && int(c) < len(categoryCodes) {
		return categoryCodes[c]
	}
	return ""
}

// Allowed reports whether spans of this category are redacted. The set is
// fixed to Person, Organization, Location and Date.
func (c Category) Allowed() bool {
	switch c {
	case CategoryPerson, CategoryOrganization, CategoryLocation, CategoryDate:
		return true
	default:
		return false
	}
}

// MarshalJSON encodes the category as its name.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either a category name or a raw model label.
func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range categoryNames {
		if strings.EqualFold(name, s) {
			*c = Category(i)
			return nil
		}
	}
	*c = CategoryFromLabel(s)
	return nil
}

// SplitBIO separates a BIO-tagged label into its prefix ("B", "I" or "")
// and base label. "O" yields an empty base.
func SplitBIO(label string) (prefix string, base string) {
	label = strings.TrimSpace(label)
	if label == "" || label == "O" {
		return "", ""
	}
	if len(label) > 2 && (label[1] == '-' || label[1] == '_') {
		switch label[0] {
		case 'B', 'I', 'E', 'S', 'L', 'U':
			p := label[:1]
			if p == "E" || p == "L" {
				p = "I"
			}
			if p == "S" || p == "U" {
				p = "B"
			}
			return p, label[2:]
		}
	}
	return "", label
}

// CategoryFromLabel maps a raw model label, with or without BIO prefix, to a
// Category. Unknown labels map to CategoryNone.
func CategoryFromLabel(label string) Category {
	_, base := SplitBIO(label)
	if cat, ok := labelCategories[strings.ToUpper(base)]; ok {
		return cat
	}
	return CategoryNone
}
