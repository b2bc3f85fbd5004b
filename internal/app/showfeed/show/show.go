// Package show holds the records tracked per show: its last known position
// and the episodes admitted for it.
package show

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Show is the last known position of a tracked show
type Show struct {
	Name        string    `json:"name"`
	LastSeason  int       `json:"last_season"`
	LastEpisode int       `json:"last_episode"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Position of the last admitted episode
func (s *Show) Position() Position {
	return Position{Season: s.LastSeason, Episode: s.LastEpisode}
}

// Position is a (season, episode) pair ordered lexicographically
type Position struct {
	Season  int `json:"season"`
	Episode int `json:"episode"`
}

// Less reports whether p comes strictly before o
func (p Position) Less(o Position) bool {
	if p.Season != o.Season {
		return p.Season < o.Season
	}
	return p.Episode < o.Episode
}

// Normalize turns a show name into its identity: trimmed, single-spaced, case folded.
// Casers keep state, so each call gets its own.
func Normalize(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}
