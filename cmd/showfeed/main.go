package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	log "github.com/go-pkgz/lgr"
	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"

	"showfeed/internal/app/showfeed"
	"showfeed/internal/app/showfeed/proc"
	"showfeed/internal/app/showfeed/release"
	"showfeed/internal/app/showfeed/web"
	"showfeed/internal/configs"
)

var opts struct {
	Conf   string `short:"c" long:"conf" env:"SHOWFEED_CONF" default:"showfeed.yml" description:"config file (yml)"`
	DB     string `short:"d" long:"db" env:"SHOWFEED_DB" description:"store file, overrides store.path"`
	Scan   bool   `short:"s" long:"scan" description:"Poll feeds once and admit new episodes"`
	Serve  bool   `long:"serve" description:"Run http server and poll feeds on schedule"`
	Shows  bool   `long:"shows" description:"Print tracked shows"`
	Upload bool   `short:"u" long:"upload" description:"Upload rendered feed to cloud storage"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"show debug info"`
}

const userAgent = "showfeed"

func checkFileExists(filepath string) bool {
	if _, err := os.Stat(filepath); errors.Is(err, os.ErrNotExist) {
		return false
	}

	return true
}

func main() {
	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		p.WriteHelp(os.Stderr)
		os.Exit(2)
	}

	configFile := opts.Conf

	if !checkFileExists(configFile) {
		configFile = "configs/showfeed.yml"

		if !checkFileExists(configFile) {
			log.Fatalf("[ERROR] config file not found")
		}
	}

	conf, err := configs.Load(configFile)
	if err != nil {
		log.Fatalf("[ERROR] can't load config %s, %v", configFile, err)
	}
	setupLog(conf, opts.Dbg)

	if opts.DB != "" {
		conf.Store.Path = opts.DB
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *configs.Conf) error {
	if opts.Serve {
		if err := os.MkdirAll(filepath.Dir(conf.Store.Path), 0o750); err != nil {
			return fmt.Errorf("can't make store directory: %w", err)
		}
		lock := flock.New(conf.Store.Path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("can't lock %s: %w", lock.Path(), err)
		}
		if !locked {
			return fmt.Errorf("another showfeed is running on %s", conf.Store.Path)
		}
		defer lock.Unlock() // nolint
	}

	store, err := showfeed.NewStore(ctx, conf.Store.Engine, conf.Store.Path)
	if err != nil {
		return fmt.Errorf("can't open store: %w", err)
	}
	defer store.Close() // nolint

	parser, err := release.NewParser(conf.Parser.Grammars, conf.Parser.DotsAsSpaces)
	if err != nil {
		return err
	}
	tags, err := release.NewMatcher(conf.Tags)
	if err != nil {
		return err
	}

	var s3 *proc.S3Store
	if conf.HasCloudStorage() {
		s3client, err := showfeed.NewS3Client(
			conf.CloudStorage.EndPointURL,
			conf.CloudStorage.Secrets.Key,
			conf.CloudStorage.Secrets.Secret,
			conf.CloudStorage.Secure)
		if err != nil {
			return err
		}
		s3 = &proc.S3Store{Client: s3client, Location: conf.CloudStorage.Region,
			Bucket: conf.CloudStorage.Bucket, Prefix: conf.CloudStorage.Prefix}
	}

	cache := &proc.Cache{
		Fs:          afero.NewOsFs(),
		Dir:         conf.Cache.Dir,
		Ext:         conf.Cache.Ext,
		ContentType: conf.Cache.ContentType,
		Client:      &http.Client{},
		Timeout:     conf.Cache.FetchTimeout,
		Retries:     conf.Cache.Retries,
	}
	if s3 != nil {
		cache.Mirror = s3
		defer cache.Wait()
	}

	processor := &proc.Processor{
		Source:   &proc.FeedSource{Client: &http.Client{}, UserAgent: userAgent},
		Parser:   parser,
		Admitter: proc.NewAdmitter(store, tags, conf.Shows),
		Timeout:  conf.Poll.Timeout,
	}

	app, err := showfeed.NewApplication(conf, store, processor, s3)
	if err != nil {
		return fmt.Errorf("can't create app: %w", err)
	}
	if err = app.Seed(ctx); err != nil {
		return err
	}

	publisher := &web.Publisher{
		Store:       store,
		Title:       conf.Server.Title,
		Ext:         conf.Cache.Ext,
		ContentType: conf.Cache.ContentType,
		Limit:       conf.Server.Limit,
	}

	if opts.Scan {
		added, err := app.Update(ctx)
		if err != nil {
			log.Printf("[WARN] scan finished with errors, %v", err)
		}
		log.Printf("[INFO] scan found %d new episodes", len(added))
	}

	if opts.Upload {
		if err := upload(ctx, app, publisher, conf); err != nil {
			return err
		}
	}

	if opts.Shows {
		if err := printShows(ctx, os.Stdout, store, cache); err != nil {
			return err
		}
	}

	if opts.Serve {
		return serve(ctx, app, publisher, store, cache, conf)
	}
	return nil
}

func serve(ctx context.Context, app *showfeed.App, publisher *web.Publisher, store proc.EpisodeStore,
	cache *proc.Cache, conf *configs.Conf) error {
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Stop()

	srv := &web.Server{
		Listen:    conf.Server.Listen,
		URLKey:    conf.Server.URLKey,
		BaseURL:   conf.Server.BaseURL,
		Publisher: publisher,
		Store:     store,
		Blobs:     cache,
		Timeout:   conf.Poll.Timeout,
	}
	if conf.Poll.OnRequest {
		srv.Updater = app
	}
	return srv.Run(ctx)
}

func upload(ctx context.Context, app *showfeed.App, publisher *web.Publisher, conf *configs.Conf) error {
	if conf.Server.BaseURL == "" {
		log.Printf("[WARN] server.base_url is not set, uploaded feed links are relative")
	}
	atom, err := publisher.Atom(ctx, conf.Server.BaseURL, conf.Server.URLKey)
	if err != nil {
		return err
	}
	location, err := app.Upload(ctx, conf.Server.URLKey+".xml", []byte(atom))
	if err != nil {
		return fmt.Errorf("can't upload feed: %w", err)
	}
	log.Printf("[INFO] feed uploaded to %s", location)
	return nil
}

func printShows(ctx context.Context, w io.Writer, store proc.EpisodeStore, cache *proc.Cache) error {
	shows, err := store.Shows(ctx)
	if err != nil {
		return fmt.Errorf("can't list shows: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Show", "Last", "Updated"})
	for _, s := range shows {
		t.AppendRow(table.Row{s.Name, fmt.Sprintf("S%02dE%02d", s.LastSeason, s.LastEpisode), humanize.Time(s.UpdatedAt)})
	}

	count, size, err := cache.Stats()
	if err != nil {
		log.Printf("[WARN] can't read cache stats, %v", err)
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d shows", len(shows)), "",
		fmt.Sprintf("cache: %d files, %s", count, humanize.Bytes(uint64(size)))})
	t.Render()
	return nil
}

func setupLog(conf *configs.Conf, dbg bool) {
	logOpts := []log.Option{log.Msec, log.LevelBraces}
	if dbg {
		logOpts = []log.Option{log.Debug, log.CallerFunc, log.Msec, log.LevelBraces}
	}
	if conf.Server.URLKey != "" {
		logOpts = append(logOpts, log.Secret(conf.Server.URLKey))
	}
	if conf.Log.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   conf.Log.File,
			MaxSize:    conf.Log.MaxSize,
			MaxBackups: conf.Log.MaxBackups,
			MaxAge:     conf.Log.MaxAge,
			Compress:   true,
		}
		logOpts = append(logOpts, log.Out(io.MultiWriter(os.Stdout, rotated)))
	}
	log.Setup(logOpts...)
}
