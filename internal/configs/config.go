// Package configs for work with configurations
package configs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"showfeed/internal/app/showfeed/release"
)

// DefaultGrammar matches "<show> sXXeYY <tags>-<group>" titles
const DefaultGrammar = `^(?P<show>.*) s(?P<season>[0-9]+)e(?P<episode>[0-9]+)(?P<tags>[\w\- ]*)-.*$`

// Conf for config yaml
type Conf struct {
	Feeds  []Feed              `yaml:"feeds"`
	Shows  []string            `yaml:"shows"`
	Seed   map[string]Position `yaml:"seed"`
	Tags   []string            `yaml:"tags"`
	Parser struct {
		DotsAsSpaces bool     `yaml:"dots_as_spaces"`
		Grammars     []string `yaml:"grammars"`
	} `yaml:"parser"`
	Poll struct {
		Interval  time.Duration `yaml:"interval"`
		Cron      string        `yaml:"cron"`
		Timeout   time.Duration `yaml:"timeout"`
		OnRequest bool          `yaml:"on_request"`
	} `yaml:"poll"`
	Store struct {
		Engine string `yaml:"engine"`
		Path   string `yaml:"path"`
	} `yaml:"store"`
	Cache struct {
		Dir          string        `yaml:"dir"`
		Ext          string        `yaml:"ext"`
		ContentType  string        `yaml:"content_type"`
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
		Retries      uint          `yaml:"retries"`
	} `yaml:"cache"`
	Server struct {
		Listen  string `yaml:"listen"`
		URLKey  string `yaml:"url_key"`
		Title   string `yaml:"title"`
		BaseURL string `yaml:"base_url"`
		Limit   int    `yaml:"limit"`
	} `yaml:"server"`
	CloudStorage struct {
		EndPointURL string `yaml:"endpoint_url"`
		Bucket      string `yaml:"bucket"`
		Region      string `yaml:"region"`
		Prefix      string `yaml:"prefix"`
		Secure      bool   `yaml:"secure"`
		Secrets     struct {
			Key    string `yaml:"aws_key"`
			Secret string `yaml:"aws_secret"`
		} `yaml:"secrets"`
	} `yaml:"cloud_storage"`
	Log struct {
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
	} `yaml:"log"`
}

// Feed defines a source feed section
type Feed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Title of feed for logs, url if feed has no name
func (f Feed) Title() string {
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

// Position is a pre-seeded last known episode of a show
type Position struct {
	Season  int `yaml:"season"`
	Episode int `yaml:"episode"`
}

// Load config from file
func Load(fileName string) (res *Conf, err error) {
	res = &Conf{}
	data, err := os.ReadFile(fileName) // nolint
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, err
	}

	res.setDefaults()
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", fileName, err)
	}
	return res, nil
}

func (c *Conf) setDefaults() {
	if len(c.Parser.Grammars) == 0 {
		c.Parser.Grammars = []string{DefaultGrammar}
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 30 * time.Minute
	}
	if c.Poll.Timeout <= 0 {
		c.Poll.Timeout = 20 * time.Second
	}
	if c.Store.Engine == "" {
		c.Store.Engine = "bolt"
	}
	if c.Store.Path == "" {
		c.Store.Path = "var/showfeed.bdb"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "var/torrents"
	}
	if c.Cache.Ext == "" {
		c.Cache.Ext = ".torrent"
	}
	if !strings.HasPrefix(c.Cache.Ext, ".") {
		c.Cache.Ext = "." + c.Cache.Ext
	}
	if c.Cache.ContentType == "" {
		c.Cache.ContentType = "application/x-bittorrent"
	}
	if c.Cache.FetchTimeout <= 0 {
		c.Cache.FetchTimeout = time.Minute
	}
	if c.Cache.Retries == 0 {
		c.Cache.Retries = 3
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Title == "" {
		c.Server.Title = "My Torrents"
	}
	if c.Server.Limit <= 0 {
		c.Server.Limit = 20
	}
}

// Validate checks the parts of config the application can't work without
func (c *Conf) Validate() error {
	if len(c.Feeds) == 0 {
		return errors.New("no feeds defined")
	}
	for i, f := range c.Feeds {
		if strings.TrimSpace(f.URL) == "" {
			return fmt.Errorf("feed #%d has no url", i)
		}
	}
	for i, g := range c.Parser.Grammars {
		if _, err := release.CompileGrammar(g); err != nil {
			return fmt.Errorf("grammar #%d: %w", i, err)
		}
	}
	switch c.Store.Engine {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("unknown store engine %q", c.Store.Engine)
	}
	return nil
}

// HasCloudStorage reports whether blobs and feeds should be mirrored to s3
func (c *Conf) HasCloudStorage() bool {
	return c.CloudStorage.EndPointURL != "" && c.CloudStorage.Bucket != ""
}
