package showfeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showfeed/internal/app/showfeed/proc"
	"showfeed/internal/app/showfeed/release"
	"showfeed/internal/app/showfeed/show"
	"showfeed/internal/configs"
)

func TestNewBoltDB(t *testing.T) {
	tmpFile, _ := os.CreateTemp("", "")
	defer func(name string) {
		err := os.Remove(name)
		if err != nil {
			log.Fatalf("[ERROR] can't close temp file %s, %v", name, err)
		}
	}(tmpFile.Name())

	db, err := NewBoltDB(tmpFile.Name())
	assert.NoError(t, err)
	assert.NotNil(t, db)
	assert.NoError(t, db.Close())

	db, err = NewBoltDB(filepath.Join(t.TempDir(), "var", "nested", "test.bdb"))
	require.NoError(t, err)
	assert.NoError(t, db.Close())
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewStore(ctx, "bolt", filepath.Join(dir, "a.bdb"))
	require.NoError(t, err)
	assert.IsType(t, &proc.BoltDB{}, s)
	assert.NoError(t, s.Close())

	s, err = NewStore(ctx, "sqlite", filepath.Join(dir, "db", "a.sqlite"))
	require.NoError(t, err)
	assert.IsType(t, &proc.SQLite{}, s)
	assert.NoError(t, s.Close())

	_, err = NewStore(ctx, "postgres", filepath.Join(dir, "a.pg"))
	assert.EqualError(t, err, `unknown store engine "postgres"`)
}

func TestNewS3Client(t *testing.T) {
	client, err := NewS3Client("https://s3.example.com", "key", "secret", true)
	require.NoError(t, err)
	assert.Equal(t, "s3.example.com", client.EndpointURL().Host)
}

// rssServer serves one rss feed per path, titles listed newest first
func rssServer(t *testing.T, feeds map[string][]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		titles, ok := feeds[r.URL.Path]
		mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		sb := strings.Builder{}
		sb.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>`)
		for _, title := range titles {
			fmt.Fprintf(&sb, "<item><title>%s</title><link>http://example.com/%s.torrent</link></item>", title, title)
		}
		sb.WriteString(`</channel></rss>`)
		_, _ = w.Write([]byte(sb.String()))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestApp(t *testing.T, conf *configs.Conf) *App {
	t.Helper()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "test.bdb"))
	require.NoError(t, err)
	store := &proc.BoltDB{DB: db}
	t.Cleanup(func() { _ = store.Close() })

	parser, err := release.NewParser(conf.Parser.Grammars, conf.Parser.DotsAsSpaces)
	require.NoError(t, err)
	tags, err := release.NewMatcher(conf.Tags)
	require.NoError(t, err)

	p := &proc.Processor{
		Source:   &proc.FeedSource{},
		Parser:   parser,
		Admitter: proc.NewAdmitter(store, tags, conf.Shows),
		Timeout:  conf.Poll.Timeout,
	}
	app, err := NewApplication(conf, store, p, nil)
	require.NoError(t, err)
	return app
}

func testConf(feeds ...configs.Feed) *configs.Conf {
	conf := &configs.Conf{Feeds: feeds, Tags: []string{"*264*"}}
	conf.Parser.DotsAsSpaces = true
	conf.Parser.Grammars = []string{configs.DefaultGrammar}
	conf.Poll.Interval = time.Hour
	conf.Poll.Timeout = 5 * time.Second
	return conf
}

func TestApp_Update(t *testing.T) {
	ts := rssServer(t, map[string][]string{
		"/one": {"Arrow.S03E10.x264-grp", "Arrow.S03E09.x264-grp"},
		"/two": {"The.Flash.S01E02.x264-grp", "Arrow.S03E10.720p.x264-dup"},
	})
	conf := testConf(configs.Feed{Name: "one", URL: ts.URL + "/one"}, configs.Feed{Name: "two", URL: ts.URL + "/two"})
	conf.Seed = map[string]configs.Position{"Arrow": {Season: 3, Episode: 8}}
	app := newTestApp(t, conf)
	ctx := context.Background()

	require.NoError(t, app.Seed(ctx))
	added, err := app.Update(ctx)
	require.NoError(t, err)

	summaries := map[string]int{}
	for _, ep := range added {
		summaries[ep.Summary()]++
	}
	// whichever feed wins, each position is admitted exactly once
	assert.LessOrEqual(t, summaries["arrow S03E09"], 1)
	assert.Equal(t, 1, summaries["arrow S03E10"])
	assert.Equal(t, 1, summaries["the flash S01E02"])

	shows, err := app.Store().Shows(ctx)
	require.NoError(t, err)
	require.Len(t, shows, 2)
	assert.Equal(t, show.Position{Season: 3, Episode: 10}, shows[0].Position())

	// nothing new on the second poll
	added, err = app.Update(ctx)
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestApp_UpdateConcurrent(t *testing.T) {
	titles := make([]string, 0, 10)
	for i := 10; i >= 1; i-- {
		titles = append(titles, fmt.Sprintf("Arrow.S01E%02d.x264-grp", i))
	}
	ts := rssServer(t, map[string][]string{"/feed": titles})
	app := newTestApp(t, testConf(configs.Feed{URL: ts.URL + "/feed"}))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := app.Update(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += len(added)
			mu.Unlock()
		}()
	}
	wg.Wait()

	recent, err := app.Store().Recent(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, total, len(recent))
	seen := map[string]bool{}
	for _, ep := range recent {
		assert.False(t, seen[ep.Summary()], "duplicate %s", ep.Summary())
		seen[ep.Summary()] = true
	}
	assert.Equal(t, "arrow S01E10", recent[0].Summary())
}

func TestApp_UpdateFeedFailed(t *testing.T) {
	ts := rssServer(t, map[string][]string{"/ok": {"Arrow.S01E01.x264-grp"}})
	app := newTestApp(t, testConf(
		configs.Feed{Name: "bad", URL: ts.URL + "/missing"},
		configs.Feed{Name: "good", URL: ts.URL + "/ok"},
	))

	added, err := app.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed bad")
	require.Len(t, added, 1)
	assert.Equal(t, "arrow S01E01", added[0].Summary())
}

func TestApp_StartStop(t *testing.T) {
	feed := rssServer(t, map[string][]string{"/feed": {"Arrow.S01E01.x264-grp"}})
	unblock := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-unblock
		http.Redirect(w, r, feed.URL+"/feed", http.StatusFound)
	}))
	t.Cleanup(slow.Close)
	app := newTestApp(t, testConf(configs.Feed{URL: slow.URL}))

	started := time.Now()
	require.NoError(t, app.Start(context.Background()))
	assert.Less(t, time.Since(started), time.Second, "start doesn't wait for feeds")
	recent, err := app.Store().Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	close(unblock)
	app.Stop()
	recent, err = app.Store().Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "first update runs on start")

	conf := testConf(configs.Feed{URL: feed.URL + "/feed"})
	conf.Poll.Cron = "not a cron"
	bad := newTestApp(t, conf)
	assert.Error(t, bad.Start(context.Background()))
}

func TestApp_Upload(t *testing.T) {
	app := newTestApp(t, testConf(configs.Feed{URL: "http://example.com"}))
	_, err := app.Upload(context.Background(), "feed.xml", []byte("<feed/>"))
	assert.EqualError(t, err, "cloud storage is not configured")
}
