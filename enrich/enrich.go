// Package enrich derives the computed columns and the genre aggregate
// from the normalized snapshot. It is a pure function of its input and
// never reads raw data.
package enrich

import (
	"sort"
	"time"
)

// ActiveStatus is the one lifecycle status that marks a show as
// currently airing. The comparison is exact and case sensitive.
const ActiveStatus = "Running"

// Popularity categories derived from the rating.
const (
	PopularityTop     = "Top-Rated"
	PopularityAverage = "Average"
	PopularityLow     = "Low"
)

// Show is a row of the normalized snapshot as read back from the
// catalog, with the premiere date already typed by the storage cast.
type Show struct {
	ID        int64
	Name      string
	Kind      string
	Language  *string
	Genres    []string
	Status    string
	Runtime   *float64
	Premiered *time.Time
	Rating    *float64
	Summary   *string
}

// EnrichedShow is a normalized row plus the derived columns.
type EnrichedShow struct {
	Show
	YearsSincePremiere *int
	IsActive           bool
	Popularity         *string
}

// GenreStat is the mean rating of one genre across the enriched set.
// AvgRating is nil when every show carrying the genre has a null rating.
type GenreStat struct {
	Genre     string
	AvgRating *float64
}

// Enrich derives the enriched rows and the genre aggregate. now fixes
// the current year so the derivation is reproducible in tests.
func Enrich(shows []Show, now time.Time) ([]EnrichedShow, []GenreStat) {
	enriched := make([]EnrichedShow, 0, len(shows))
	for _, show := range shows {
		enriched = append(enriched, EnrichedShow{
			Show:               show,
			YearsSincePremiere: yearsSincePremiere(show.Premiered, now),
			IsActive:           show.Status == ActiveStatus,
			Popularity:         classifyPopularity(show.Rating),
		})
	}
	return enriched, genreStats(enriched)
}

// yearsSincePremiere is current year minus premiere year; a null
// premiere date propagates to a null result.
func yearsSincePremiere(premiered *time.Time, now time.Time) *int {
	if premiered == nil {
		return nil
	}
	years := now.Year() - premiered.Year()
	return &years
}

// classifyPopularity maps a rating to its category. Boundaries are
// inclusive at the top: exactly 8.0 is Top-Rated, exactly 5.0 is
// Average. A null rating yields a null category.
func classifyPopularity(rating *float64) *string {
	if rating == nil {
		return nil
	}
	var category string
	switch {
	case *rating >= 8.0:
		category = PopularityTop
	case *rating < 5.0:
		category = PopularityLow
	default:
		category = PopularityAverage
	}
	return &category
}

// genreStats fans each show out to one (genre, rating) pair per genre
// it carries, then means the ratings per genre ignoring nulls. Sorted
// by mean descending; ties (and null means, which sort last) break on
// genre name ascending so the order is deterministic.
func genreStats(shows []EnrichedShow) []GenreStat {
	type acc struct {
		sum   float64
		rated int64
	}
	byGenre := make(map[string]*acc)

	for _, show := range shows {
		for _, genre := range show.Genres {
			a, ok := byGenre[genre]
			if !ok {
				a = &acc{}
				byGenre[genre] = a
			}
			if show.Rating != nil {
				a.sum += *show.Rating
				a.rated++
			}
		}
	}

	stats := make([]GenreStat, 0, len(byGenre))
	for genre, a := range byGenre {
		stat := GenreStat{Genre: genre}
		if a.rated > 0 {
			mean := a.sum / float64(a.rated)
			stat.AvgRating = &mean
		}
		stats = append(stats, stat)
	}

	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i].AvgRating, stats[j].AvgRating
		switch {
		case a == nil && b == nil:
			return stats[i].Genre < stats[j].Genre
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a > *b
		default:
			return stats[i].Genre < stats[j].Genre
		}
	})
	return stats
}
