package proc

import (
	"context"

	log "github.com/go-pkgz/lgr"

	"showfeed/internal/app/showfeed/release"
	"showfeed/internal/app/showfeed/show"
)

// Admitter filters parsed titles and admits new episodes to the store
type Admitter struct {
	Store  EpisodeStore
	Tags   *release.Matcher
	Wanted map[string]struct{} // empty means every show is wanted
}

// NewAdmitter makes admitter, show names are normalized
func NewAdmitter(store EpisodeStore, tags *release.Matcher, wanted []string) *Admitter {
	a := &Admitter{Store: store, Tags: tags, Wanted: make(map[string]struct{}, len(wanted))}
	for _, name := range wanted {
		if name = show.Normalize(name); name != "" {
			a.Wanted[name] = struct{}{}
		}
	}
	return a
}

// Admit descriptor. Rejections are not errors, only store failures are.
func (a *Admitter) Admit(ctx context.Context, d show.Descriptor, title, link string) (*show.Episode, show.Verdict, error) {
	if len(a.Wanted) > 0 {
		if _, ok := a.Wanted[d.Show]; !ok {
			return nil, show.Unwanted, nil
		}
	}
	if !a.Tags.Match(d.Tags) {
		return nil, show.TagMismatch, nil
	}

	episode, ok, err := a.Store.Admit(ctx, d, title, link)
	if err != nil {
		return nil, show.NotNewer, err
	}
	if !ok {
		return nil, show.NotNewer, nil
	}

	log.Printf("[INFO] new episode %d %s - %s", episode.ID, episode.Summary(), episode.Title)
	return episode, show.Admitted, nil
}
