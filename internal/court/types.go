package court

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical wire format for calendar dates.
const DateLayout = "2006-01-02"

// ID is the numeric FIPS code identifying a court within its family.
type ID int

// String renders the FIPS code zero-padded to three digits ("059").
func (c ID) String() string {
	return fmt.Sprintf("%03d", int(c))
}

// ParseID accepts "59", "059" or " 059 ".
func ParseID(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse court id %q: %w", raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("court id must be > 0, got %d", n)
	}
	return ID(n), nil
}

// Family groups courts that share one portal style and session protocol.
type Family string

// Court families.
const (
	FamilyCircuit  Family = "circuit"
	FamilyDistrict Family = "district"
)

// Categories lists the case categories served by the family's portal.
func (f Family) Categories() []Category {
	switch f {
	case FamilyCircuit:
		return []Category{CircuitCriminal, CircuitCivil}
	case FamilyDistrict:
		return []Category{DistrictCriminal, DistrictCivil}
	default:
		return nil
	}
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	return f == FamilyCircuit || f == FamilyDistrict
}

// ParseFamily validates a family name.
func ParseFamily(raw string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown court family %q", raw)
	}
	return f, nil
}

// Category is the case category a task or case record belongs to.
type Category string

// Case categories.
const (
	CircuitCriminal  Category = "CircuitCriminal"
	CircuitCivil     Category = "CircuitCivil"
	DistrictCriminal Category = "DistrictCriminal"
	DistrictCivil    Category = "DistrictCivil"
)

// AllCategories lists every category in a stable order.
var AllCategories = []Category{CircuitCriminal, CircuitCivil, DistrictCriminal, DistrictCivil}

// ParseCategory validates a category name.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.TrimSpace(raw))
	if !c.Valid() {
		return "", fmt.Errorf("unknown case category %q", raw)
	}
	return c, nil
}

// Valid reports whether c is one of the four known categories.
func (c Category) Valid() bool {
	switch c {
	case CircuitCriminal, CircuitCivil, DistrictCriminal, DistrictCivil:
		return true
	default:
		return false
	}
}

// Family returns the portal family serving c.
func (c Category) Family() Family {
	switch c {
	case CircuitCriminal, CircuitCivil:
		return FamilyCircuit
	case DistrictCriminal, DistrictCivil:
		return FamilyDistrict
	default:
		return ""
	}
}

// IsCivil reports whether c is a civil category.
func (c Category) IsCivil() bool {
	return c == CircuitCivil || c == DistrictCivil
}

// HasPleadings reports whether records of this category carry pleadings.
func (c Category) HasPleadings() bool {
	return c.Family() == FamilyCircuit
}

// HasReports reports whether records of this category carry reports.
func (c Category) HasReports() bool {
	return c == DistrictCivil
}

// HasParties reports whether records of this category carry plaintiff/defendant parties.
func (c Category) HasParties() bool {
	return c.IsCivil()
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a DateLayout string.
func ParseDay(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return t, nil
}

// Task is a court-and-category scoped date range awaiting search.
type Task struct {
	ID       string    `json:"id"`
	Court    ID        `json:"court"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Category Category  `json:"category"`
}

// Validate checks the task fields.
func (t Task) Validate() error {
	if t.Court <= 0 {
		return fmt.Errorf("task court must be > 0")
	}
	if !t.Category.Valid() {
		return fmt.Errorf("task category %q is invalid", t.Category)
	}
	if t.Start.IsZero() || t.End.IsZero() {
		return fmt.Errorf("task start and end dates are required")
	}
	if Day(t.End).Before(Day(t.Start)) {
		return fmt.Errorf("task end %s is before start %s", t.End.Format(DateLayout), t.Start.Format(DateLayout))
	}
	return nil
}

// Days returns every date in [Start, End] in ascending order.
func (t Task) Days() []time.Time {
	start, end := Day(t.Start), Day(t.End)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Remaining returns a new, unsaved task covering [from, End].
func (t Task) Remaining(from time.Time) (Task, bool) {
	from = Day(from)
	if from.After(Day(t.End)) {
		return Task{}, false
	}
	if from.Before(Day(t.Start)) {
		from = Day(t.Start)
	}
	return Task{Court: t.Court, Start: from, End: Day(t.End), Category: t.Category}, true
}

// String renders the task for logs.
func (t Task) String() string {
	return fmt.Sprintf("%s/%s %s..%s", t.Category, t.Court, t.Start.Format(DateLayout), t.End.Format(DateLayout))
}

// Claim is a task leased to one worker.
type Claim struct {
	Task         Task      `json:"task"`
	Worker       string    `json:"worker"`
	LeaseExpires time.Time `json:"lease_expires"`
}

// ClaimOptions scope and bias a claim.
type ClaimOptions struct {
	// Family restricts the claim to categories the worker's session can serve.
	Family Family
	// PreferCourt is a scheduling hint: a pending task for this court wins when present.
	PreferCourt ID
	Worker      string
}

// SearchRecord marks a (court, date, category) as fully searched.
type SearchRecord struct {
	Court    ID        `json:"court"`
	Date     time.Time `json:"date"`
	Category Category  `json:"category"`
}

// CaseKey identifies at most one live case record.
type CaseKey struct {
	Court    ID       `json:"court"`
	Number   string   `json:"case_number"`
	Category Category `json:"category"`
}

// String renders the key for logs.
func (k CaseKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Category, k.Court, k.Number)
}

// CaseRecord is a normalized case: a shared core, a flat category-dependent attribute set,
// and the nested sequences allowed for its category.
type CaseRecord struct {
	Court             ID                `json:"court"`
	CaseNumber        string            `json:"case_number"`
	Category          Category          `json:"category"`
	DetailsFetchedFor time.Time         `json:"details_fetched_for"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Hearings          []Hearing         `json:"hearings,omitempty"`
	Pleadings         []Pleading        `json:"pleadings,omitempty"`
	Services          []Service         `json:"services,omitempty"`
	Reports           []Report          `json:"reports,omitempty"`
	Parties           []Party           `json:"parties,omitempty"`
}

// Key returns the uniqueness key of the record.
func (r CaseRecord) Key() CaseKey {
	return CaseKey{Court: r.Court, Number: r.CaseNumber, Category: r.Category}
}

// Validate enforces the per-category shape of the variant.
func (r CaseRecord) Validate() error {
	if r.Court <= 0 {
		return fmt.Errorf("case court must be > 0")
	}
	if strings.TrimSpace(r.CaseNumber) == "" {
		return fmt.Errorf("case number is required")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("case category %q is invalid", r.Category)
	}
	if len(r.Pleadings) > 0 && !r.Category.HasPleadings() {
		return fmt.Errorf("%s cases carry no pleadings", r.Category)
	}
	if len(r.Reports) > 0 && !r.Category.HasReports() {
		return fmt.Errorf("%s cases carry no reports", r.Category)
	}
	if len(r.Parties) > 0 && !r.Category.HasParties() {
		return fmt.Errorf("%s cases carry no parties", r.Category)
	}
	for i, p := range r.Parties {
		if p.Role != PartyPlaintiff && p.Role != PartyDefendant {
			return fmt.Errorf("party %d has invalid role %q", i, p.Role)
		}
	}
	return nil
}

// Hearing is one scheduled or held hearing.
type Hearing struct {
	Date            time.Time `json:"date"`
	Type            string    `json:"type,omitempty"`
	Room            string    `json:"room,omitempty"`
	Result          string    `json:"result,omitempty"`
	Duration        string    `json:"duration,omitempty"`
	Jury            string    `json:"jury,omitempty"`
	Plea            string    `json:"plea,omitempty"`
	ContinuanceCode string    `json:"continuance_code,omitempty"`
}

// Pleading is a filed pleading (circuit categories only).
type Pleading struct {
	Filed   *time.Time `json:"filed,omitempty"`
	Type    string     `json:"type,omitempty"`
	Party   string     `json:"party,omitempty"`
	Judge   string     `json:"judge,omitempty"`
	Book    string     `json:"book,omitempty"`
	Page    string     `json:"page,omitempty"`
	Remarks string     `json:"remarks,omitempty"`
}

// Service is a service-of-process entry. Circuit portals report hear/served dates,
// district portals report issued/returned dates and the plaintiff.
type Service struct {
	Name         string     `json:"name,omitempty"`
	Type         string     `json:"type,omitempty"`
	HowServed    string     `json:"how_served,omitempty"`
	HearDate     *time.Time `json:"hear_date,omitempty"`
	DateServed   *time.Time `json:"date_served,omitempty"`
	DateIssued   *time.Time `json:"date_issued,omitempty"`
	DateReturned *time.Time `json:"date_returned,omitempty"`
	Plaintiff    string     `json:"plaintiff,omitempty"`
}

// Report is an ordered report (district civil only).
type Report struct {
	Type         string     `json:"type,omitempty"`
	Agency       string     `json:"agency,omitempty"`
	DateOrdered  *time.Time `json:"date_ordered,omitempty"`
	DateDue      *time.Time `json:"date_due,omitempty"`
	DateReceived *time.Time `json:"date_received,omitempty"`
}

// PartyRole distinguishes plaintiffs from defendants.
type PartyRole string

// Party roles.
const (
	PartyPlaintiff PartyRole = "plaintiff"
	PartyDefendant PartyRole = "defendant"
)

// Party is a plaintiff or defendant on a civil case.
type Party struct {
	Role      PartyRole `json:"role"`
	Name      string    `json:"name,omitempty"`
	TradingAs string    `json:"trading_as,omitempty"`
	Address   string    `json:"address,omitempty"`
	Judgment  string    `json:"judgment,omitempty"`
	Attorney  string    `json:"attorney,omitempty"`
}

// Stub is a lightweight case reference returned by a date search.
type Stub struct {
	CaseNumber string `json:"case_number"`
	// Ref is the portal-specific handle used to open the detail page.
	Ref  string `json:"ref,omitempty"`
	Name string `json:"name,omitempty"`
}

// PageToken is an opaque continuation handle; empty means no more pages.
type PageToken string

// Page is one page of date-search results.
type Page struct {
	Stubs []Stub
	Next  PageToken
}

// HasNext reports whether another page follows.
func (p Page) HasNext() bool {
	return p.Next != ""
}

// CaseDetail is a fetched detail page. Error is set when the portal itself returned an
// error page for the case; Record is then meaningless.
type CaseDetail struct {
	Record CaseRecord
	Error  string
}

// Failed reports whether the portal signaled an error for the case.
func (d CaseDetail) Failed() bool {
	return d.Error != ""
}

// CaseFilter selects records for read-only consumers.
type CaseFilter struct {
	Category Category
	// Court of zero matches every court.
	Court ID
	// FetchedFrom/FetchedTo bound DetailsFetchedFor as [from, to); zero values are open.
	FetchedFrom time.Time
	FetchedTo   time.Time
}

// Matches reports whether r satisfies the filter.
func (f CaseFilter) Matches(r CaseRecord) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Court != 0 && r.Court != f.Court {
		return false
	}
	if !f.FetchedFrom.IsZero() && r.DetailsFetchedFor.Before(f.FetchedFrom) {
		return false
	}
	if !f.FetchedTo.IsZero() && !r.DetailsFetchedFor.Before(f.FetchedTo) {
		return false
	}
	return true
}
