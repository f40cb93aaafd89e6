package dialect

import (
	"net/http"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// Default returns the built-in configuration for family, modeled on the state's
// general district and circuit court case information portals.
func Default(family court.Family) (Config, bool) {
	switch family {
	case court.FamilyCircuit:
		return circuitDefaults(), true
	case court.FamilyDistrict:
		return districtDefaults(), true
	default:
		return Config{}, false
	}
}

func circuitDefaults() Config {
	return Config{
		BaseURL:    "https://eapps.courts.state.va.us/CJISWeb/",
		DateFormat: DefaultDateFormat,
		CategoryCodes: map[string]string{
			string(court.CircuitCriminal): "R",
			string(court.CircuitCivil):    "L",
		},
		Welcome: FormConfig{Method: http.MethodGet, Path: "circuit.jsp"},
		Bind: FormConfig{Method: http.MethodPost, Path: "MainMenu.do", Fields: []Field{
			{Name: "courtId", Value: "{court}"},
			{Name: "courtType", Value: "C"},
			{Name: "caseType", Value: "ALL"},
			{Name: "testdos", Value: "false"},
			{Name: "sessionCreate", Value: "NEW"},
			{Name: "whichsystem", Value: "{court_name}"},
		}},
		DateSearch: FormConfig{Method: http.MethodPost, Path: "CaseDetail.do", Fields: []Field{
			{Name: "searchType", Value: "hearingDate"},
			{Name: "courtId", Value: "{court}"},
			{Name: "division", Value: "{category_code}"},
			{Name: "hearDate", Value: "{date}"},
			{Name: "displayCaseNumber", Value: ""},
		}},
		NextPage: FormConfig{Method: http.MethodPost, Path: "CaseDetail.do", Fields: []Field{
			{Name: "searchType", Value: "hearingDate"},
			{Name: "courtId", Value: "{court}"},
			{Name: "division", Value: "{category_code}"},
			{Name: "hearDate", Value: "{date}"},
			{Name: "pageNumber", Value: "{page}"},
			{Name: "forward", Value: "next"},
		}},
		NumberSearch: FormConfig{Method: http.MethodPost, Path: "CaseDetail.do", Fields: []Field{
			{Name: "searchType", Value: "caseNumber"},
			{Name: "courtId", Value: "{court}"},
			{Name: "division", Value: "{category_code}"},
			{Name: "displayCaseNumber", Value: "{number}"},
		}},
		Detail:       FormConfig{Method: http.MethodGet, Path: "{ref}"},
		CourtOptions: "select[name=courtId] option",
		Results: ResultsConfig{
			Rows:    "table.results tr",
			Number:  "td:nth-child(1) a",
			Name:    "td:nth-child(2)",
			RefAttr: "href",
			Next:    "input[name=forward][value=next]",
		},
		Details: DetailsConfig{
			Error:           "td.errorText, span.errorText",
			Attributes:      "table.caseInfo tr",
			Label:           "td.label",
			Value:           "td.value",
			CaseNumberLabel: "Case Number",
			Tables: map[string]TableConfig{
				TableHearings: {Rows: "table.hearings tr", Columns: map[string]string{
					"date": "td:nth-child(1)", "time": "td:nth-child(2)", "type": "td:nth-child(3)",
					"room": "td:nth-child(4)", "duration": "td:nth-child(5)", "jury": "td:nth-child(6)",
					"result": "td:nth-child(7)",
				}},
				TablePleadings: {Rows: "table.pleadings tr", Columns: map[string]string{
					"filed": "td:nth-child(1)", "type": "td:nth-child(2)", "party": "td:nth-child(3)",
					"judge": "td:nth-child(4)", "book": "td:nth-child(5)", "page": "td:nth-child(6)",
					"remarks": "td:nth-child(7)",
				}},
				TableServices: {Rows: "table.services tr", Columns: map[string]string{
					"name": "td:nth-child(1)", "type": "td:nth-child(2)", "hear_date": "td:nth-child(3)",
					"date_served": "td:nth-child(4)", "how_served": "td:nth-child(5)",
				}},
				TablePlaintiffs: {Rows: "table.plaintiffs tr", Columns: map[string]string{
					"name": "td:nth-child(1)", "trading_as": "td:nth-child(2)", "attorney": "td:nth-child(3)",
				}},
				TableDefendants: {Rows: "table.defendants tr", Columns: map[string]string{
					"name": "td:nth-child(1)", "trading_as": "td:nth-child(2)", "attorney": "td:nth-child(3)",
				}},
			},
		},
	}
}

func districtDefaults() Config {
	return Config{
		BaseURL:    "https://eapps.courts.state.va.us/gdcourts/",
		DateFormat: DefaultDateFormat,
		CategoryCodes: map[string]string{
			string(court.DistrictCriminal): "T",
			string(court.DistrictCivil):    "V",
		},
		Welcome: FormConfig{Method: http.MethodGet, Path: "landing.do"},
		Bind: FormConfig{Method: http.MethodPost, Path: "changeCourt.do", Fields: []Field{
			{Name: "selectedCourtsName", Value: "{court_name}"},
			{Name: "selectedCourtsFipCode", Value: "{court}"},
			{Name: "sessionCourtsFipCode", Value: ""},
		}},
		DateSearch: FormConfig{Method: http.MethodPost, Path: "caseSearch.do", Fields: []Field{
			{Name: "formAction", Value: "submitHearing"},
			{Name: "fromSidebarHearSearch", Value: "Y"},
			{Name: "searchFipsCode", Value: "{court}"},
			{Name: "searchDivision", Value: "{category_code}"},
			{Name: "searchType", Value: "hearingDate"},
			{Name: "hearSessionDate", Value: "{date}"},
		}},
		NextPage: FormConfig{Method: http.MethodPost, Path: "caseSearch.do", Fields: []Field{
			{Name: "formAction", Value: "next"},
			{Name: "searchFipsCode", Value: "{court}"},
			{Name: "searchDivision", Value: "{category_code}"},
			{Name: "searchType", Value: "hearingDate"},
			{Name: "hearSessionDate", Value: "{date}"},
			{Name: "unCheckedCases", Value: ""},
		}},
		NumberSearch: FormConfig{Method: http.MethodPost, Path: "criminalCivilCaseSearch.do", Fields: []Field{
			{Name: "formAction", Value: "submitCase"},
			{Name: "searchFipsCode", Value: "{court}"},
			{Name: "searchDivision", Value: "{category_code}"},
			{Name: "searchType", Value: "caseNumber"},
			{Name: "displayCaseNumber", Value: "{number}"},
		}},
		Detail:       FormConfig{Method: http.MethodGet, Path: "{ref}"},
		CourtOptions: "select#txtcourts1 option",
		Results: ResultsConfig{
			Rows:    "table.tableborder tr.evenRow, table.tableborder tr.oddRow",
			Number:  "td:nth-child(2) a",
			Name:    "td:nth-child(3)",
			RefAttr: "href",
			Next:    "input[name=caseInfoScrollForward]",
		},
		Details: DetailsConfig{
			Error:           "td.gdPanelErrorMessage, span.errorMessage",
			Attributes:      "table.caseDetail tr",
			Label:           "td.labelgrid",
			Value:           "td.gridrow, td.gridrowAlt",
			CaseNumberLabel: "Case Number",
			Tables: map[string]TableConfig{
				TableHearings: {Rows: "table.hearings tr", Columns: map[string]string{
					"date": "td:nth-child(1)", "time": "td:nth-child(2)", "result": "td:nth-child(3)",
					"type": "td:nth-child(4)", "room": "td:nth-child(5)", "plea": "td:nth-child(6)",
					"continuance_code": "td:nth-child(7)",
				}},
				TableServices: {Rows: "table.services tr", Columns: map[string]string{
					"name": "td:nth-child(1)", "plaintiff": "td:nth-child(2)", "date_issued": "td:nth-child(3)",
					"date_returned": "td:nth-child(4)", "how_served": "td:nth-child(5)",
				}},
				TableReports: {Rows: "table.reports tr", Columns: map[string]string{
					"type": "td:nth-child(1)", "agency": "td:nth-child(2)", "date_ordered": "td:nth-child(3)",
					"date_due": "td:nth-child(4)", "date_received": "td:nth-child(5)",
				}},
				TablePlaintiffs: {Rows: "table.plaintiffs tr", Columns: map[string]string{
					"name": "td:nth-child(1)", "trading_as": "td:nth-child(2)", "address": "td:nth-child(3)",
					"judgment": "td:nth-child(4)", "attorney": "td:nth-child(5)",
				}},
				TableDefendants: {Rows: "table.defendants tr", Columns: map[string]string{
					"name": "td:nth-child(1)", "trading_as": "td:nth-child(2)", "address": "td:nth-child(3)",
					"judgment": "td:nth-child(4)", "attorney": "td:nth-child(5)",
				}},
			},
		},
	}
}

// Merge overlays the non-empty fields of override onto base.
func Merge(base, override Config) Config {
	out := base
	if override.BaseURL != "" {
		out.BaseURL = override.BaseURL
	}
	if override.DateFormat != "" {
		out.DateFormat = override.DateFormat
	}
	if len(override.CategoryCodes) > 0 {
		out.CategoryCodes = override.CategoryCodes
	}
	mergeForm(&out.Welcome, override.Welcome)
	mergeForm(&out.Bind, override.Bind)
	mergeForm(&out.DateSearch, override.DateSearch)
	mergeForm(&out.NextPage, override.NextPage)
	mergeForm(&out.NumberSearch, override.NumberSearch)
	mergeForm(&out.Detail, override.Detail)
	if override.CourtOptions != "" {
		out.CourtOptions = override.CourtOptions
	}
	if override.Results.Rows != "" {
		out.Results = override.Results
	}
	if override.Details.Error != "" {
		out.Details.Error = override.Details.Error
	}
	if override.Details.Attributes != "" {
		out.Details.Attributes = override.Details.Attributes
		out.Details.Label = override.Details.Label
		out.Details.Value = override.Details.Value
	}
	if override.Details.CaseNumberLabel != "" {
		out.Details.CaseNumberLabel = override.Details.CaseNumberLabel
	}
	if len(override.Details.Tables) > 0 {
		tables := make(map[string]TableConfig, len(out.Details.Tables)+len(override.Details.Tables))
		for k, v := range out.Details.Tables {
			tables[k] = v
		}
		for k, v := range override.Details.Tables {
			tables[k] = v
		}
		out.Details.Tables = tables
	}
	return out
}

func mergeForm(dst *FormConfig, src FormConfig) {
	if src.Path == "" {
		return
	}
	*dst = src
}
