// Package normalize validates raw show documents and projects them
// onto the canonical typed shape consumed by the derivation phases.
//
// Normalization is pure: it never touches the catalog. A document that
// cannot be coerced is dropped and counted; one bad record never aborts
// the run.
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/withobsrvr/showlake-ingestion/rawstore"
)

// Show is the canonical projection of the latest raw document per id.
// Optional fields are pointers; nil means the source supplied nothing
// usable and every downstream derivation propagates the null.
type Show struct {
	ID        int64
	Name      string
	Kind      string
	Language  *string
	Genres    []string
	Status    string
	Runtime   *float64
	Premiered *string // raw date text; the snapshot layer TRY_CASTs it to DATE
	Rating    *float64
	Summary   *string
}

// Result carries the clean set plus the count of dropped documents.
type Result struct {
	Shows   []Show
	Dropped int
}

// rawShow mirrors the upstream document shape loosely enough to detect
// per-field shape violations. Rating keeps its raw bytes because the
// source emits either a bare number or a {"average": x} object.
type rawShow struct {
	ID        *int64          `json:"id"`
	Name      *string         `json:"name"`
	Type      *string         `json:"type"`
	Language  *string         `json:"language"`
	Genres    []string        `json:"genres"`
	Status    *string         `json:"status"`
	Runtime   *float64        `json:"runtime"`
	Premiered *string         `json:"premiered"`
	Rating    json.RawMessage `json:"rating"`
	Summary   *string         `json:"summary"`
}

// Normalize validates every observation independently. Invalid records
// are dropped, valid ones are returned in input order.
func Normalize(observations []rawstore.Observation) Result {
	res := Result{Shows: make([]Show, 0, len(observations))}
	for _, obs := range observations {
		show, err := normalizeOne(obs.Payload)
		if err != nil {
			res.Dropped++
			continue
		}
		res.Shows = append(res.Shows, show)
	}
	return res
}

func normalizeOne(payload []byte) (Show, error) {
	var raw rawShow
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Show{}, fmt.Errorf("malformed document: %w", err)
	}

	if raw.ID == nil {
		return Show{}, fmt.Errorf("missing id")
	}
	if raw.Name == nil {
		return Show{}, fmt.Errorf("missing name")
	}
	if raw.Type == nil {
		return Show{}, fmt.Errorf("missing type")
	}
	if raw.Status == nil {
		return Show{}, fmt.Errorf("missing status")
	}

	rating, err := extractRating(raw.Rating)
	if err != nil {
		return Show{}, err
	}

	genres := raw.Genres
	if genres == nil {
		genres = []string{}
	}

	return Show{
		ID:        *raw.ID,
		Name:      *raw.Name,
		Kind:      *raw.Type,
		Language:  raw.Language,
		Genres:    genres,
		Status:    *raw.Status,
		Runtime:   raw.Runtime,
		Premiered: raw.Premiered,
		Rating:    rating,
		Summary:   cleanSummary(raw.Summary),
	}, nil
}

// extractRating accepts a bare number, a {"average": x} object (average
// itself may be null), or nothing. Any other supplied shape is a
// validation failure.
func extractRating(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var bare float64
	if err := json.Unmarshal(raw, &bare); err == nil {
		return &bare, nil
	}

	var nested struct {
		Average *float64 `json:"average"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		return nested.Average, nil
	}

	return nil, fmt.Errorf("unusable rating shape: %s", raw)
}

// cleanSummary strips markup from the free-text summary. A summary
// that is absent or reduces to whitespace becomes null, never "".
func cleanSummary(summary *string) *string {
	if summary == nil {
		return nil
	}
	text := StripHTML(*summary)
	if text == "" {
		return nil
	}
	return &text
}
