package dialect

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// ParseCourts reads the court roster from the welcome page.
func (s *Selector) ParseCourts(body []byte) (map[court.ID]string, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return nil, err
	}
	courts := make(map[court.ID]string)
	doc.Find(s.cfg.CourtOptions).Each(func(_ int, sel *goquery.Selection) {
		raw, ok := sel.Attr("value")
		if !ok {
			return
		}
		id, err := court.ParseID(raw)
		if err != nil {
			return
		}
		courts[id] = clean(sel.Text())
	})
	return courts, nil
}

// ParseResults extracts case stubs from a results page and reports whether another page follows.
func (s *Selector) ParseResults(body []byte) ([]court.Stub, bool, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return nil, false, err
	}
	rc := s.cfg.Results
	var stubs []court.Stub
	doc.Find(rc.Rows).Each(func(_ int, row *goquery.Selection) {
		numberSel := row.Find(rc.Number).First()
		number := clean(numberSel.Text())
		if number == "" {
			return
		}
		stub := court.Stub{CaseNumber: number}
		if rc.RefAttr != "" {
			stub.Ref, _ = numberSel.Attr(rc.RefAttr)
		}
		if rc.Name != "" {
			stub.Name = clean(row.Find(rc.Name).First().Text())
		}
		stubs = append(stubs, stub)
	})
	hasNext := rc.Next != "" && doc.Find(rc.Next).Length() > 0
	return stubs, hasNext, nil
}

// ParseDetail builds a case record from a detail page. A page matching the error selector
// yields CaseDetail.Error instead of a record.
func (s *Selector) ParseDetail(
	body []byte,
	id court.ID,
	category court.Category,
	number string,
) (court.CaseDetail, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return court.CaseDetail{}, err
	}
	dc := s.cfg.Details
	record := court.CaseRecord{Court: id, CaseNumber: number, Category: category}
	if dc.Error != "" {
		if msg := clean(doc.Find(dc.Error).First().Text()); msg != "" {
			return court.CaseDetail{Record: record, Error: msg}, nil
		}
	}

	record.Attributes = s.attributes(doc)
	if dc.CaseNumberLabel != "" {
		if v, ok := record.Attributes[dc.CaseNumberLabel]; ok {
			if v != "" {
				record.CaseNumber = v
			}
			delete(record.Attributes, dc.CaseNumberLabel)
		}
	}

	for _, row := range s.table(doc, TableHearings) {
		record.Hearings = append(record.Hearings, s.hearing(row))
	}
	for _, row := range s.table(doc, TableServices) {
		record.Services = append(record.Services, s.service(row))
	}
	if category.HasPleadings() {
		for _, row := range s.table(doc, TablePleadings) {
			record.Pleadings = append(record.Pleadings, s.pleading(row))
		}
	}
	if category.HasReports() {
		for _, row := range s.table(doc, TableReports) {
			record.Reports = append(record.Reports, s.report(row))
		}
	}
	if category.HasParties() {
		for _, row := range s.table(doc, TablePlaintiffs) {
			record.Parties = append(record.Parties, party(court.PartyPlaintiff, row))
		}
		for _, row := range s.table(doc, TableDefendants) {
			record.Parties = append(record.Parties, party(court.PartyDefendant, row))
		}
	}
	return court.CaseDetail{Record: record}, nil
}

func (s *Selector) attributes(doc *goquery.Document) map[string]string {
	dc := s.cfg.Details
	attrs := make(map[string]string)
	if dc.Attributes == "" || dc.Label == "" || dc.Value == "" {
		return attrs
	}
	doc.Find(dc.Attributes).Each(func(_ int, row *goquery.Selection) {
		labels := row.Find(dc.Label)
		values := row.Find(dc.Value)
		n := min(labels.Length(), values.Length())
		for i := 0; i < n; i++ {
			label := strings.TrimSuffix(clean(labels.Eq(i).Text()), ":")
			label = strings.TrimSpace(label)
			if label == "" {
				continue
			}
			attrs[label] = clean(values.Eq(i).Text())
		}
	})
	return attrs
}

// table returns one field map per non-empty row of the named table.
func (s *Selector) table(doc *goquery.Document, name string) []map[string]string {
	tc, ok := s.cfg.Details.Tables[name]
	if !ok || tc.Rows == "" || len(tc.Columns) == 0 {
		return nil
	}
	var rows []map[string]string
	doc.Find(tc.Rows).Each(func(_ int, row *goquery.Selection) {
		fields := make(map[string]string, len(tc.Columns))
		empty := true
		for field, sel := range tc.Columns {
			v := clean(row.Find(sel).First().Text())
			fields[field] = v
			if v != "" {
				empty = false
			}
		}
		if !empty {
			rows = append(rows, fields)
		}
	})
	return rows
}

func (s *Selector) hearing(f map[string]string) court.Hearing {
	h := court.Hearing{
		Type:            f["type"],
		Room:            f["room"],
		Result:          f["result"],
		Duration:        f["duration"],
		Jury:            f["jury"],
		Plea:            f["plea"],
		ContinuanceCode: f["continuance_code"],
	}
	if t := s.parseDate(strings.TrimSpace(f["date"] + " " + f["time"])); t != nil {
		h.Date = *t
	} else if t := s.parseDate(f["date"]); t != nil {
		h.Date = *t
	}
	return h
}

func (s *Selector) pleading(f map[string]string) court.Pleading {
	return court.Pleading{
		Filed:   s.parseDate(f["filed"]),
		Type:    f["type"],
		Party:   f["party"],
		Judge:   f["judge"],
		Book:    f["book"],
		Page:    f["page"],
		Remarks: f["remarks"],
	}
}

func (s *Selector) service(f map[string]string) court.Service {
	return court.Service{
		Name:         f["name"],
		Type:         f["type"],
		HowServed:    f["how_served"],
		HearDate:     s.parseDate(f["hear_date"]),
		DateServed:   s.parseDate(f["date_served"]),
		DateIssued:   s.parseDate(f["date_issued"]),
		DateReturned: s.parseDate(f["date_returned"]),
		Plaintiff:    f["plaintiff"],
	}
}

func (s *Selector) report(f map[string]string) court.Report {
	return court.Report{
		Type:         f["type"],
		Agency:       f["agency"],
		DateOrdered:  s.parseDate(f["date_ordered"]),
		DateDue:      s.parseDate(f["date_due"]),
		DateReceived: s.parseDate(f["date_received"]),
	}
}

func party(role court.PartyRole, f map[string]string) court.Party {
	return court.Party{
		Role:      role,
		Name:      f["name"],
		TradingAs: f["trading_as"],
		Address:   f["address"],
		Judgment:  f["judgment"],
		Attorney:  f["attorney"],
	}
}

// parseDate accepts the dialect's date format, optionally followed by a clock time.
func (s *Selector) parseDate(raw string) *time.Time {
	raw = clean(raw)
	if raw == "" {
		return nil
	}
	layouts := []string{
		s.cfg.DateFormat + " 03:04 PM",
		s.cfg.DateFormat + " 3:04 PM",
		s.cfg.DateFormat,
		court.DateLayout,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

func parseHTML(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
