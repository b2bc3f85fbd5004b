package proc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"showfeed/internal/app/showfeed/show"
)

// EpisodeStore keeps the last known position per show and every admitted episode.
// Admit is the only way an episode gets created.
type EpisodeStore interface {
	// Admit stores episode and advances show position if d is strictly after the
	// current position. Returns false without changes otherwise.
	Admit(ctx context.Context, d show.Descriptor, title, link string) (*show.Episode, bool, error)
	// Seed moves show position forward to pos, never backwards
	Seed(ctx context.Context, name string, pos show.Position) error
	// Recent returns up to n last admitted episodes, newest first
	Recent(ctx context.Context, n int) ([]*show.Episode, error)
	// Episode by id, nil if not found
	Episode(ctx context.Context, id uint64) (*show.Episode, error)
	// Shows returns all tracked shows ordered by name
	Shows(ctx context.Context) ([]*show.Show, error)
	Close() error
}

var (
	bucketShows    = []byte("shows")
	bucketEpisodes = []byte("episodes")
)

// BoltDB store. Bolt runs one writer at a time, so every Admit sees the
// position left by the previous one.
type BoltDB struct {
	DB *bolt.DB
}

// Admit episode to the store
func (b *BoltDB) Admit(_ context.Context, d show.Descriptor, title, link string) (*show.Episode, bool, error) {
	var admitted *show.Episode

	err := b.DB.Update(func(tx *bolt.Tx) error {
		shows, e := tx.CreateBucketIfNotExists(bucketShows)
		if e != nil {
			return e
		}
		episodes, e := tx.CreateBucketIfNotExists(bucketEpisodes)
		if e != nil {
			return e
		}

		current, e := getShow(shows, d.Show)
		if e != nil {
			return e
		}
		if current != nil && !current.Position().Less(d.Position()) {
			return nil
		}

		id, e := episodes.NextSequence()
		if e != nil {
			return e
		}
		now := time.Now()
		episode := &show.Episode{
			ID:      id,
			Title:   title,
			Show:    d.Show,
			Season:  d.Season,
			Episode: d.Episode,
			Link:    link,
			AddedAt: now,
		}
		if e = putJSON(episodes, itob(id), episode); e != nil {
			return e
		}

		rec := &show.Show{Name: d.Show, LastSeason: d.Season, LastEpisode: d.Episode, UpdatedAt: now}
		if e = putJSON(shows, []byte(d.Show), rec); e != nil {
			return e
		}

		admitted = episode
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("admit %s: %w", d.Show, err)
	}

	return admitted, admitted != nil, nil
}

// Seed show position
func (b *BoltDB) Seed(_ context.Context, name string, pos show.Position) error {
	name = show.Normalize(name)
	return b.DB.Update(func(tx *bolt.Tx) error {
		shows, e := tx.CreateBucketIfNotExists(bucketShows)
		if e != nil {
			return e
		}
		current, e := getShow(shows, name)
		if e != nil {
			return e
		}
		if current != nil && !current.Position().Less(pos) {
			return nil
		}
		rec := &show.Show{Name: name, LastSeason: pos.Season, LastEpisode: pos.Episode, UpdatedAt: time.Now()}
		return putJSON(shows, []byte(name), rec)
	})
}

// Recent episodes, newest first
func (b *BoltDB) Recent(_ context.Context, n int) ([]*show.Episode, error) {
	var result []*show.Episode
	err := b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEpisodes)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(result) < n; k, v = c.Prev() {
			item := show.Episode{}
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal episode %d: %w", btoi(k), err)
			}
			result = append(result, &item)
		}
		return nil
	})

	return result, err
}

// Episode by id
func (b *BoltDB) Episode(_ context.Context, id uint64) (*show.Episode, error) {
	var episode *show.Episode
	err := b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEpisodes)
		if bucket == nil {
			return nil
		}

		item := bucket.Get(itob(id))
		if item == nil {
			return nil
		}

		episode = &show.Episode{}
		return json.Unmarshal(item, episode)
	})
	if err != nil {
		return nil, err
	}

	return episode, nil
}

// Shows ordered by name
func (b *BoltDB) Shows(_ context.Context) ([]*show.Show, error) {
	var result []*show.Show
	err := b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketShows)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			item := show.Show{}
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal show %s: %w", string(k), err)
			}
			result = append(result, &item)
			return nil
		})
	})

	return result, err
}

// Close bolt db
func (b *BoltDB) Close() error {
	return b.DB.Close()
}

func getShow(bucket *bolt.Bucket, name string) (*show.Show, error) {
	v := bucket.Get([]byte(name))
	if v == nil {
		return nil, nil
	}
	rec := &show.Show{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("unmarshal show %s: %w", name, err)
	}
	return rec, nil
}

func putJSON(bucket *bolt.Bucket, key []byte, value interface{}) error {
	jdata, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put(key, jdata)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
