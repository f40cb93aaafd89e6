// Package dialect implements portal.Dialect from declarative, per-family selector configuration.
package dialect

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Config describes one portal family's forms and markup.
//
// Paths and field values may contain placeholders that are expanded per request:
// {court}, {court_name}, {category}, {category_code}, {date}, {page}, {number}, {ref}.
type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	DateFormat string `mapstructure:"date_format"`
	// CategoryCodes maps a category (case-insensitive) to the portal's own code.
	CategoryCodes map[string]string `mapstructure:"category_codes"`

	Welcome      FormConfig `mapstructure:"welcome"`
	Bind         FormConfig `mapstructure:"bind"`
	DateSearch   FormConfig `mapstructure:"date_search"`
	NextPage     FormConfig `mapstructure:"next_page"`
	NumberSearch FormConfig `mapstructure:"number_search"`
	Detail       FormConfig `mapstructure:"detail"`

	// CourtOptions selects <option>-like elements whose value attribute is the FIPS code.
	CourtOptions string        `mapstructure:"court_options"`
	Results      ResultsConfig `mapstructure:"results"`
	Details      DetailsConfig `mapstructure:"details"`
}

// FormConfig is one request template.
type FormConfig struct {
	Method string  `mapstructure:"method"`
	Path   string  `mapstructure:"path"`
	Fields []Field `mapstructure:"fields"`
}

// Field is a single form field. Kept as a list because form names are case-sensitive.
type Field struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// ResultsConfig locates case stubs on a date-search results page.
type ResultsConfig struct {
	Rows   string `mapstructure:"rows"`
	Number string `mapstructure:"number"`
	Name   string `mapstructure:"name"`
	// RefAttr is read from the Number element to obtain the detail handle (usually href).
	RefAttr string `mapstructure:"ref_attr"`
	// Next matches only when another page follows.
	Next string `mapstructure:"next"`
}

// DetailsConfig locates the parts of a case detail page.
type DetailsConfig struct {
	Error           string                 `mapstructure:"error"`
	Attributes      string                 `mapstructure:"attributes"`
	Label           string                 `mapstructure:"label"`
	Value           string                 `mapstructure:"value"`
	CaseNumberLabel string                 `mapstructure:"case_number_label"`
	Tables          map[string]TableConfig `mapstructure:"tables"`
}

// TableConfig maps nested-entity table rows to record fields. Columns maps a field name
// (for example "date" or "how_served") to a selector evaluated within each row.
type TableConfig struct {
	Rows    string            `mapstructure:"rows"`
	Columns map[string]string `mapstructure:"columns"`
}

// Nested-entity table names.
const (
	TableHearings   = "hearings"
	TablePleadings  = "pleadings"
	TableServices   = "services"
	TableReports    = "reports"
	TablePlaintiffs = "plaintiffs"
	TableDefendants = "defendants"
)

// Validate checks the fields every request depends on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("base_url is required")
	}
	if c.CourtOptions == "" {
		return errors.New("court_options selector is required")
	}
	if c.Results.Rows == "" || c.Results.Number == "" {
		return errors.New("results.rows and results.number selectors are required")
	}
	for name, form := range map[string]FormConfig{
		"bind":          c.Bind,
		"date_search":   c.DateSearch,
		"next_page":     c.NextPage,
		"number_search": c.NumberSearch,
	} {
		if form.Path == "" {
			return fmt.Errorf("%s.path is required", name)
		}
		switch strings.ToUpper(form.Method) {
		case "", http.MethodGet, http.MethodPost:
		default:
			return fmt.Errorf("%s.method %q is unsupported", name, form.Method)
		}
	}
	for name := range c.Details.Tables {
		switch name {
		case TableHearings, TablePleadings, TableServices, TableReports, TablePlaintiffs, TableDefendants:
		default:
			return fmt.Errorf("details.tables.%s is not a known table", name)
		}
	}
	return nil
}
