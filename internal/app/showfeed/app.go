package showfeed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"showfeed/internal/app/showfeed/proc"
	"showfeed/internal/app/showfeed/show"
	"showfeed/internal/configs"
)

// maxParallelFeeds limits feeds polled at once
const maxParallelFeeds = 4

// App polls configured feeds into the store on a schedule
type App struct {
	config    *configs.Conf
	store     proc.EpisodeStore
	processor *proc.Processor
	s3        *proc.S3Store
	cron      *cron.Cron
	first     conc.WaitGroup
}

// NewApplication makes app, s3 may be nil
func NewApplication(conf *configs.Conf, store proc.EpisodeStore, p *proc.Processor, s3 *proc.S3Store) (*App, error) {
	if conf == nil || store == nil || p == nil {
		return nil, errors.New("config, store and processor are required")
	}
	return &App{config: conf, store: store, processor: p, s3: s3}, nil
}

// NewBoltDB opens bolt db file, creating its directory if needed
func NewBoltDB(dbFile string) (*bolt.DB, error) {
	log.Printf("[INFO] bolt store %s", dbFile)
	if dir := filepath.Dir(dbFile); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("can't make directory %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(dbFile, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("can't open bolt db %s: %w", dbFile, err)
	}
	return db, nil
}

// NewStore makes episode store for engine, bolt or sqlite
func NewStore(ctx context.Context, engine, path string) (proc.EpisodeStore, error) {
	switch engine {
	case "", "bolt":
		db, err := NewBoltDB(path)
		if err != nil {
			return nil, err
		}
		return &proc.BoltDB{DB: db}, nil
	case "sqlite":
		log.Printf("[INFO] sqlite store %s", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("can't make directory for %s: %w", path, err)
		}
		return proc.NewSQLite(ctx, path)
	}
	return nil, fmt.Errorf("unknown store engine %q", engine)
}

// NewS3Client makes minio client for s3 compatible storage
func NewS3Client(endpoint, accessKeyID, secretAccessKey string, secure bool) (*minio.Client, error) {
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("can't make s3 client for %s: %w", endpoint, err)
	}
	return client, nil
}

// Feeds from config
func (a *App) Feeds() []configs.Feed {
	return a.config.Feeds
}

// Store used by app
func (a *App) Store() proc.EpisodeStore {
	return a.store
}

// Seed moves configured shows forward to their seed positions
func (a *App) Seed(ctx context.Context) error {
	for name, pos := range a.config.Seed {
		if err := a.store.Seed(ctx, name, show.Position{Season: pos.Season, Episode: pos.Episode}); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		log.Printf("[DEBUG] seeded %s at S%02dE%02d", name, pos.Season, pos.Episode)
	}
	return nil
}

// Update polls all feeds concurrently and returns admitted episodes.
// A failed feed doesn't stop the others, errors of all feeds are joined.
func (a *App) Update(ctx context.Context) ([]*show.Episode, error) {
	runID := uuid.NewString()[:8]
	started := time.Now()
	log.Printf("[DEBUG] update %s started, %d feeds", runID, len(a.config.Feeds))

	p := pool.NewWithResults[[]*show.Episode]().WithContext(ctx).WithMaxGoroutines(maxParallelFeeds)
	for _, f := range a.config.Feeds {
		p.Go(func(ctx context.Context) ([]*show.Episode, error) {
			added, stats, err := a.processor.Update(ctx, f.URL)
			if err != nil {
				log.Printf("[WARN] update %s, feed %s failed, %v", runID, f.Title(), err)
				return nil, fmt.Errorf("feed %s: %w", f.Title(), err)
			}
			log.Printf("[DEBUG] update %s, feed %s: seen %d, parsed %d, admitted %d",
				runID, f.Title(), stats.Seen, stats.Parsed, stats.Admitted)
			return added, nil
		})
	}

	results, err := p.Wait()
	var added []*show.Episode
	for _, r := range results {
		added = append(added, r...)
	}
	if len(added) > 0 {
		log.Printf("[INFO] update %s found %d new episodes in %v", runID, len(added), time.Since(started))
	}
	return added, err
}

// Start schedules updates and runs the first one in background, so callers
// don't wait for the feeds to answer
func (a *App) Start(ctx context.Context) error {
	logger := cronLogger{}
	a.cron = cron.New()

	// one wrapped job for the first and the scheduled runs, they never overlap
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if _, err := a.Update(ctx); err != nil {
			log.Printf("[WARN] scheduled update, %v", err)
		}
	}))
	if expr := a.config.Poll.Cron; expr != "" {
		if _, err := a.cron.AddJob(expr, job); err != nil {
			return fmt.Errorf("bad poll cron %q: %w", expr, err)
		}
		log.Printf("[INFO] polling on %q", expr)
	} else {
		a.cron.Schedule(cron.Every(a.config.Poll.Interval), job)
		log.Printf("[INFO] polling every %v", a.config.Poll.Interval)
	}

	a.cron.Start()
	a.first.Go(job.Run)
	return nil
}

// Stop scheduler and wait for running update
func (a *App) Stop() {
	if a.cron == nil {
		return
	}
	<-a.cron.Stop().Done()
	a.first.Wait()
	log.Printf("[INFO] scheduler stopped")
}

// Upload rendered feed to s3 storage, returns its location
func (a *App) Upload(ctx context.Context, objectName string, feed []byte) (string, error) {
	if a.s3 == nil {
		return "", errors.New("cloud storage is not configured")
	}
	return a.s3.UploadFeed(ctx, objectName, bytes.NewReader(feed), int64(len(feed)))
}

// cronLogger sends cron messages to lgr
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Printf("[DEBUG] cron %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Printf("[ERROR] cron %s %v, %v", msg, keysAndValues, err)
}
