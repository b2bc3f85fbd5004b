package show

import (
	"fmt"
	"time"
)

// Verdict of an admission attempt
type Verdict int

const (
	// Admitted episode is new and was stored
	Admitted Verdict = iota
	// Unwanted show is not in the configured list
	Unwanted
	// TagMismatch none of the required tags matched
	TagMismatch
	// NotNewer episode is not after the last known one
	NotNewer
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case Unwanted:
		return "unwanted"
	case TagMismatch:
		return "tag mismatch"
	case NotNewer:
		return "not newer"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Episode of show, created only when the show position advances
type Episode struct {
	ID      uint64    `json:"id"`
	Title   string    `json:"title"`
	Show    string    `json:"show"`
	Season  int       `json:"season"`
	Episode int       `json:"episode"`
	Link    string    `json:"link"`
	AddedAt time.Time `json:"added_at"`
}

// Summary renders episode like "arrow S03E10"
func (e *Episode) Summary() string {
	return fmt.Sprintf("%s S%02dE%02d", e.Show, e.Season, e.Episode)
}

// Position of the episode in its show
func (e *Episode) Position() Position {
	return Position{Season: e.Season, Episode: e.Episode}
}

// Descriptor is a parsed announcement title
type Descriptor struct {
	Show    string
	Season  int
	Episode int
	Tags    []string
}

// Position of the descriptor in its show
func (d Descriptor) Position() Position {
	return Position{Season: d.Season, Episode: d.Episode}
}

// Entry of a source feed
type Entry struct {
	Title     string
	Link      string
	Published time.Time
}
