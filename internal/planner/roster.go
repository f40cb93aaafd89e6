package planner

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// Court is one roster entry.
type Court struct {
	FIPS   court.ID
	Name   string
	Family court.Family
}

type courtEntry struct {
	FIPS   string `yaml:"fips"`
	Name   string `yaml:"name"`
	Family string `yaml:"family"`
}

type rosterFile struct {
	Courts []courtEntry `yaml:"courts"`
}

// Roster is the set of known courts, ordered by family then FIPS code.
type Roster struct {
	courts []Court
}

// LoadRoster reads a YAML roster file.
func LoadRoster(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return ParseRoster(f)
}

// ParseRoster decodes a roster document:
//
//	courts:
//	  - fips: "059"
//	    name: Fairfax Circuit Court
//	    family: circuit
//
// FIPS codes may be written with or without zero padding.
func ParseRoster(r io.Reader) (*Roster, error) {
	var doc rosterFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Courts))
	roster := &Roster{courts: make([]Court, 0, len(doc.Courts))}
	for i, e := range doc.Courts {
		id, err := court.ParseID(e.FIPS)
		if err != nil {
			return nil, fmt.Errorf("roster court %d: %w", i, err)
		}
		family, err := court.ParseFamily(e.Family)
		if err != nil {
			return nil, fmt.Errorf("roster court %s: %w", id, err)
		}
		key := string(family) + "/" + id.String()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("roster lists %s court %s twice", family, id)
		}
		seen[key] = struct{}{}
		roster.courts = append(roster.courts, Court{FIPS: id, Name: strings.TrimSpace(e.Name), Family: family})
	}
	sort.Slice(roster.courts, func(i, j int) bool {
		a, b := roster.courts[i], roster.courts[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.FIPS < b.FIPS
	})
	return roster, nil
}

// Courts returns the courts of family, or every court when family is empty.
func (r *Roster) Courts(family court.Family) []Court {
	if r == nil {
		return nil
	}
	var out []Court
	for _, c := range r.courts {
		if family == "" || c.Family == family {
			out = append(out, c)
		}
	}
	return out
}

// IDs returns the FIPS codes of family's courts.
func (r *Roster) IDs(family court.Family) []court.ID {
	var out []court.ID
	for _, c := range r.Courts(family) {
		out = append(out, c.FIPS)
	}
	return out
}

// Name looks up a court's display name.
func (r *Roster) Name(family court.Family, id court.ID) (string, bool) {
	for _, c := range r.Courts(family) {
		if c.FIPS == id {
			return c.Name, true
		}
	}
	return "", false
}
