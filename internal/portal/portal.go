// Package portal implements court.Session over a pluggable transport and a per-family dialect.
//
// A Transport moves bytes (cookie-preserving GETs and form POSTs); a Dialect knows one portal
// family's forms and markup. The Session sequences them, paces every request, and keeps the
// portal's server-side notion of the selected court in sync with the caller's.
package portal

import (
	"context"
	"net/url"
	"time"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// Request describes one portal round trip.
type Request struct {
	Method string
	URL    string
	Form   url.Values
}

// Response is the raw result of a round trip.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Transport performs requests while preserving the portal session cookie.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
	Close() error
}

// Dialect builds requests for, and parses responses from, one portal family.
type Dialect interface {
	Family() court.Family
	WelcomeRequest() Request
	ParseCourts(body []byte) (map[court.ID]string, error)
	BindRequest(id court.ID, name string) Request
	DateSearchRequest(id court.ID, category court.Category, date time.Time) Request
	NextPageRequest(id court.ID, category court.Category, date time.Time, page int) Request
	NumberSearchRequest(id court.ID, category court.Category, number string) Request
	DetailRequest(id court.ID, category court.Category, stub court.Stub) Request
	ParseResults(body []byte) ([]court.Stub, bool, error)
	ParseDetail(body []byte, id court.ID, category court.Category, number string) (court.CaseDetail, error)
}
