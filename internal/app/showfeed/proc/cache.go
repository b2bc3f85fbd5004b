package proc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"
	log "github.com/go-pkgz/lgr"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrFetch returned when a resource can't be downloaded
	ErrFetch = errors.New("fetch failed")
	// ErrStorage returned when the cache directory can't be written or read
	ErrStorage = errors.New("cache storage failed")
)

// Mirror receives every newly cached blob
type Mirror interface {
	UploadBlob(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
}

// Cache keeps downloaded resources in a directory, one file per locator.
// A file is only ever visible under its final name once completely written,
// and concurrent requests for one locator share a single download.
type Cache struct {
	Fs            afero.Fs
	Dir           string
	Ext           string
	ContentType   string // used when the content can't be sniffed
	Client        *http.Client
	Timeout       time.Duration
	Retries       uint
	RetryDelay    time.Duration
	Mirror        Mirror
	MirrorTimeout time.Duration // bounds a single mirror upload, zero means one minute

	group   singleflight.Group
	mirrors conc.WaitGroup
}

// Blob is an opened cached resource
type Blob struct {
	afero.File
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Key of locator, a hex sha224 of the locator string
func (c *Cache) Key(locator string) string {
	sum := sha256.Sum224([]byte(locator))
	return hex.EncodeToString(sum[:])
}

// Path of cached file for locator, the file may not exist yet
func (c *Cache) Path(locator string) string {
	return filepath.Join(c.Dir, c.Key(locator)+c.Ext)
}

// Resolve returns path of cached resource, downloading it first if needed
func (c *Cache) Resolve(ctx context.Context, locator string) (string, error) {
	key := c.Key(locator)
	path := filepath.Join(c.Dir, key+c.Ext)

	ok, err := c.present(path)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}

	// the download belongs to all callers waiting on key, not to the first one
	flightCtx := context.WithoutCancel(ctx)
	_, err, shared := c.group.Do(key, func() (interface{}, error) {
		ok, err := c.present(path)
		if err != nil || ok {
			return nil, err
		}
		return nil, c.fetch(flightCtx, locator, key, path)
	})
	if err != nil {
		return "", err
	}
	if shared {
		log.Printf("[DEBUG] shared download of %s", key)
	}
	return path, nil
}

// Open resolves locator and opens cached file
func (c *Cache) Open(ctx context.Context, locator string) (*Blob, error) {
	path, err := c.Resolve(ctx, locator)
	if err != nil {
		return nil, err
	}

	f, err := c.Fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrStorage, path, err)
	}

	blob := &Blob{File: f, Name: filepath.Base(path), Size: fi.Size(), ModTime: fi.ModTime()}
	if blob.ContentType, err = c.detect(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: read %s: %w", ErrStorage, path, err)
	}
	return blob, nil
}

// Stats returns number of cached files and their total size
func (c *Cache) Stats() (count int, size int64, err error) {
	exists, err := afero.DirExists(c.Fs, c.Dir)
	if err != nil || !exists {
		return 0, 0, err
	}
	err = afero.Walk(c.Fs, c.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && strings.HasSuffix(info.Name(), c.Ext) {
			count++
			size += info.Size()
		}
		return nil
	})
	return count, size, err
}

func (c *Cache) present(path string) (bool, error) {
	fi, err := c.Fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %w", ErrStorage, path, err)
	}
	return fi.Mode().IsRegular(), nil
}

func (c *Cache) fetch(ctx context.Context, locator, key, path string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	if err := c.Fs.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrStorage, c.Dir, err)
	}

	attempts := c.Retries
	if attempts == 0 {
		attempts = 1
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	started := time.Now()
	err := retry.Do(
		func() error { return c.download(ctx, locator, key, path) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("[WARN] download %s attempt %d failed, %v", locator, n+1, err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrStorage) {
			return err
		}
		return fmt.Errorf("%w %s: %w", ErrFetch, locator, err)
	}
	log.Printf("[INFO] cached %s as %s in %v", locator, filepath.Base(path), time.Since(started))

	c.mirror(path)
	return nil
}

// download writes response to a temp file and renames it into place
func (c *Cache) download(ctx context.Context, locator, key, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(err)
		}
		return err
	}

	tmp, err := afero.TempFile(c.Fs, c.Dir, key+"-*.part")
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("%w: %w", ErrStorage, err))
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = retry.Unrecoverable(fmt.Errorf("%w: %w", ErrStorage, cerr))
	}
	if err != nil {
		_ = c.Fs.Remove(tmpName)
		return err
	}

	if err = c.Fs.Rename(tmpName, path); err != nil {
		_ = c.Fs.Remove(tmpName)
		return retry.Unrecoverable(fmt.Errorf("%w: %w", ErrStorage, err))
	}
	return nil
}

// mirror uploads published file in background, the caller doesn't wait for it
func (c *Cache) mirror(path string) {
	if c.Mirror == nil {
		return
	}
	timeout := c.MirrorTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	c.mirrors.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.upload(ctx, path); err != nil {
			log.Printf("[WARN] can't mirror %s, %v", path, err)
			return
		}
		log.Printf("[DEBUG] mirrored %s", filepath.Base(path))
	})
}

// Wait for background mirror uploads to finish
func (c *Cache) Wait() {
	c.mirrors.Wait()
}

func (c *Cache) upload(ctx context.Context, path string) error {
	f, err := c.Fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() // nolint

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	contentType, err := c.detect(f)
	if err != nil {
		return err
	}
	return c.Mirror.UploadBlob(ctx, filepath.Base(path), f, fi.Size(), contentType)
}

// detect sniffs content type and rewinds f
func (c *Cache) detect(f afero.File) (string, error) {
	mime, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if c.ContentType != "" && (mime.Is("application/octet-stream") || mime.Is("text/plain")) {
		return c.ContentType, nil
	}
	return mime.String(), nil
}

func (c *Cache) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}
