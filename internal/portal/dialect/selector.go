package dialect

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/portal"
)

// DefaultDateFormat is the US-style date used by the portals' forms and tables.
const DefaultDateFormat = "01/02/2006"

// Selector is a config-driven portal.Dialect.
type Selector struct {
	family court.Family
	cfg    Config
	base   *url.URL
}

var _ portal.Dialect = (*Selector)(nil)

// New validates cfg and builds a Selector for family.
func New(family court.Family, cfg Config) (*Selector, error) {
	if !family.Valid() {
		return nil, fmt.Errorf("unknown court family %q", family)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s dialect: %w", family, err)
	}
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("%s dialect base_url: %w", family, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if cfg.DateFormat == "" {
		cfg.DateFormat = DefaultDateFormat
	}
	return &Selector{family: family, cfg: cfg, base: base}, nil
}

// Family reports the family this dialect serves.
func (s *Selector) Family() court.Family {
	return s.family
}

// WelcomeRequest opens the page that lists the courts.
func (s *Selector) WelcomeRequest() portal.Request {
	return s.build(s.cfg.Welcome, vars{})
}

// BindRequest selects the active court.
func (s *Selector) BindRequest(id court.ID, name string) portal.Request {
	return s.build(s.cfg.Bind, vars{court: id, courtName: name})
}

// DateSearchRequest submits a hearing-date search.
func (s *Selector) DateSearchRequest(id court.ID, category court.Category, date time.Time) portal.Request {
	return s.build(s.cfg.DateSearch, vars{court: id, category: category, date: date, page: 1})
}

// NextPageRequest asks for results page number page (2 or later).
func (s *Selector) NextPageRequest(id court.ID, category court.Category, date time.Time, page int) portal.Request {
	return s.build(s.cfg.NextPage, vars{court: id, category: category, date: date, page: page})
}

// NumberSearchRequest submits a case-number search.
func (s *Selector) NumberSearchRequest(id court.ID, category court.Category, number string) portal.Request {
	return s.build(s.cfg.NumberSearch, vars{court: id, category: category, number: number})
}

// DetailRequest opens the detail page referenced by stub.
func (s *Selector) DetailRequest(id court.ID, category court.Category, stub court.Stub) portal.Request {
	form := s.cfg.Detail
	if form.Path == "" {
		form.Path = "{ref}"
	}
	return s.build(form, vars{court: id, category: category, number: stub.CaseNumber, ref: stub.Ref})
}

type vars struct {
	court     court.ID
	courtName string
	category  court.Category
	date      time.Time
	page      int
	number    string
	ref       string
}

func (s *Selector) replacer(v vars, escape bool) *strings.Replacer {
	esc := func(x string) string {
		if escape {
			return url.QueryEscape(x)
		}
		return x
	}
	var date string
	if !v.date.IsZero() {
		date = v.date.Format(s.cfg.DateFormat)
	}
	var courtID string
	if v.court != 0 {
		courtID = v.court.String()
	}
	return strings.NewReplacer(
		"{court}", esc(courtID),
		"{court_name}", esc(v.courtName),
		"{category}", esc(string(v.category)),
		"{category_code}", esc(s.categoryCode(v.category)),
		"{date}", esc(date),
		"{page}", strconv.Itoa(v.page),
		"{number}", esc(v.number),
		"{ref}", v.ref,
	)
}

func (s *Selector) categoryCode(category court.Category) string {
	for k, v := range s.cfg.CategoryCodes {
		if strings.EqualFold(k, string(category)) {
			return v
		}
	}
	return string(category)
}

func (s *Selector) build(form FormConfig, v vars) portal.Request {
	method := strings.ToUpper(form.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := s.resolve(s.replacer(v, true).Replace(form.Path))

	values := url.Values{}
	plain := s.replacer(v, false)
	for _, f := range form.Fields {
		values.Add(f.Name, plain.Replace(f.Value))
	}
	if method == http.MethodGet && len(values) > 0 {
		u, err := url.Parse(target)
		if err == nil {
			q := u.Query()
			for k, vs := range values {
				for _, x := range vs {
					q.Add(k, x)
				}
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
		values = nil
	}
	return portal.Request{Method: method, URL: target, Form: values}
}

func (s *Selector) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return s.base.String() + ref
	}
	return s.base.ResolveReference(u).String()
}
