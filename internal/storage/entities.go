// Package storage holds the row encoding shared by the SQL case repositories: the flat
// attribute set and the nested entity sequences are stored as JSON documents keyed by kind.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// Entity kinds stored in case_entities.kind.
const (
	KindHearing  = "hearing"
	KindPleading = "pleading"
	KindService  = "service"
	KindReport   = "report"
	KindParty    = "party"
)

// Entity is one nested row of a case record.
type Entity struct {
	Kind string
	Seq  int
	Data []byte
}

// EncodeAttributes renders the attribute map as a JSON object, never null.
func EncodeAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return data, nil
}

// DecodeAttributes parses a stored attribute document.
func DecodeAttributes(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}

// EncodeEntities flattens the nested sequences in record order.
func EncodeEntities(r court.CaseRecord) ([]Entity, error) {
	var out []Entity
	add := func(kind string, seq int, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s %d: %w", kind, seq, err)
		}
		out = append(out, Entity{Kind: kind, Seq: seq, Data: data})
		return nil
	}
	for i, v := range r.Hearings {
		if err := add(KindHearing, i, v); err != nil {
			return nil, err
		}
	}
	for i, v := range r.Pleadings {
		if err := add(KindPleading, i, v); err != nil {
			return nil, err
		}
	}
	for i, v := range r.Services {
		if err := add(KindService, i, v); err != nil {
			return nil, err
		}
	}
	for i, v := range r.Reports {
		if err := add(KindReport, i, v); err != nil {
			return nil, err
		}
	}
	for i, v := range r.Parties {
		if err := add(KindParty, i, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeEntity appends one stored entity to the matching sequence of r. Callers feed rows
// ordered by seq within each kind.
func DecodeEntity(r *court.CaseRecord, kind string, data []byte) error {
	var err error
	switch kind {
	case KindHearing:
		var v court.Hearing
		if err = json.Unmarshal(data, &v); err == nil {
			r.Hearings = append(r.Hearings, v)
		}
	case KindPleading:
		var v court.Pleading
		if err = json.Unmarshal(data, &v); err == nil {
			r.Pleadings = append(r.Pleadings, v)
		}
	case KindService:
		var v court.Service
		if err = json.Unmarshal(data, &v); err == nil {
			r.Services = append(r.Services, v)
		}
	case KindReport:
		var v court.Report
		if err = json.Unmarshal(data, &v); err == nil {
			r.Reports = append(r.Reports, v)
		}
	case KindParty:
		var v court.Party
		if err = json.Unmarshal(data, &v); err == nil {
			r.Parties = append(r.Parties, v)
		}
	default:
		return fmt.Errorf("unknown case entity kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("unmarshal %s: %w", kind, err)
	}
	return nil
}
