package proc

import (
	"context"
	"slices"
	"time"

	log "github.com/go-pkgz/lgr"

	"showfeed/internal/app/showfeed/release"
	"showfeed/internal/app/showfeed/show"
)

// Processor runs feed entries through the parser and admits new episodes
type Processor struct {
	Source   Source
	Parser   *release.Parser
	Admitter *Admitter
	Timeout  time.Duration // bounds the feed fetch, zero means no limit
}

// Stats of a single feed poll
type Stats struct {
	Seen     int
	Parsed   int
	Admitted int
}

// Update polls feed and admits new episodes
func (p *Processor) Update(ctx context.Context, feedURL string) ([]*show.Episode, Stats, error) {
	fetchCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	entries, err := p.Source.Entries(fetchCtx, feedURL)
	if err != nil {
		return nil, Stats{}, err
	}
	return p.Process(ctx, entries)
}

// Process entries listed newest first. They are admitted oldest first, so two
// new episodes of one show in the same poll are both kept. Stops on the first
// store error, entries admitted before it stay admitted.
func (p *Processor) Process(ctx context.Context, entries []show.Entry) ([]*show.Episode, Stats, error) {
	stats := Stats{Seen: len(entries)}
	var added []*show.Episode

	for _, entry := range chronological(entries) {
		d, ok := p.Parser.Parse(entry.Title)
		if !ok {
			continue
		}
		stats.Parsed++

		episode, verdict, err := p.Admitter.Admit(ctx, d, entry.Title, entry.Link)
		if err != nil {
			return added, stats, err
		}
		if verdict != show.Admitted {
			log.Printf("[DEBUG] skip %s S%02dE%02d, %s", d.Show, d.Season, d.Episode, verdict)
			continue
		}
		stats.Admitted++
		added = append(added, episode)
	}

	return added, stats, nil
}

// chronological returns entries oldest first. Feed order is trusted unless
// every entry has a publication time, then entries are sorted by it and
// ties keep the feed order.
func chronological(entries []show.Entry) []show.Entry {
	res := make([]show.Entry, len(entries))
	for i, e := range entries {
		res[len(entries)-1-i] = e
	}
	for _, e := range res {
		if e.Published.IsZero() {
			return res
		}
	}
	slices.SortStableFunc(res, func(a, b show.Entry) int { return a.Published.Compare(b.Published) })
	return res
}
