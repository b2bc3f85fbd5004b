package proc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"showfeed/internal/app/showfeed/show"
)

// Source of announcement entries
type Source interface {
	// Entries of feed in the order the feed lists them, newest first
	Entries(ctx context.Context, feedURL string) ([]show.Entry, error)
}

// FeedSource reads rss, atom and json feeds
type FeedSource struct {
	Client    *http.Client
	UserAgent string
}

// Entries fetches and parses feed. Items without a title or link are dropped.
func (f *FeedSource) Entries(ctx context.Context, feedURL string) ([]show.Entry, error) {
	// gofeed parsers keep decoding state, one per fetch
	parser := gofeed.NewParser()
	if f.Client != nil {
		parser.Client = f.Client
	}
	if f.UserAgent != "" {
		parser.UserAgent = f.UserAgent
	}

	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feedURL, err)
	}

	result := make([]show.Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entry := show.Entry{
			Title:     strings.TrimSpace(item.Title),
			Link:      itemLink(item),
			Published: itemTime(item),
		}
		if entry.Title == "" || entry.Link == "" {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func itemLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.TrimSpace(enc.URL) != "" {
			return strings.TrimSpace(enc.URL)
		}
	}
	return ""
}

func itemTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}
