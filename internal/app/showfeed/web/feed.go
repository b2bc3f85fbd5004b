package web

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"showfeed/internal/app/showfeed/proc"
	"showfeed/internal/app/showfeed/show"
)

// Publisher renders most recent episodes as atom feed
type Publisher struct {
	Store       proc.EpisodeStore
	Title       string
	Ext         string
	ContentType string
	Limit       int
}

// Feed of the most recent episodes, newest first. Links point to the blob
// endpoint under baseURL and key.
func (p *Publisher) Feed(ctx context.Context, baseURL, key string) (*feeds.Feed, error) {
	episodes, err := p.Store.Recent(ctx, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("can't get recent episodes: %w", err)
	}

	feedURL := FeedURL(baseURL, key)
	feed := &feeds.Feed{
		Title:       p.Title,
		Link:        &feeds.Link{Href: feedURL, Rel: "self"},
		Description: p.Title,
		Updated:     time.Now(),
	}
	if len(episodes) > 0 {
		feed.Updated = episodes[0].AddedAt
	}

	for _, ep := range episodes {
		feed.Add(p.item(feedURL, ep))
	}
	return feed, nil
}

// Atom renders feed as atom xml
func (p *Publisher) Atom(ctx context.Context, baseURL, key string) (string, error) {
	feed, err := p.Feed(ctx, baseURL, key)
	if err != nil {
		return "", err
	}
	return feed.ToAtom()
}

func (p *Publisher) item(feedURL string, ep *show.Episode) *feeds.Item {
	link := fmt.Sprintf("%s/%d%s", feedURL, ep.ID, p.Ext)
	return &feeds.Item{
		Title:       ep.Title,
		Link:        &feeds.Link{Href: link},
		Description: ep.Summary(),
		Id:          EntryID(ep),
		Created:     ep.AddedAt,
		Updated:     ep.AddedAt,
		Enclosure:   &feeds.Enclosure{Url: link, Type: p.ContentType, Length: "0"},
	}
}

// EntryID is a tag uri of episode. It doesn't depend on the host the feed is
// reached with, so readers see the same entry under any base url.
func EntryID(ep *show.Episode) string {
	return fmt.Sprintf("tag:showfeed,%s:episode/%d", ep.AddedAt.UTC().Format("2006-01-02"), ep.ID)
}

// FeedURL of the secret feed under baseURL
func FeedURL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/feed/" + key
}
