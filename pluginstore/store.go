// Package pluginstore implements a namespaced key/value store layered on
// objectstore.Store, plus the distributed lock primitive every plugin and
// engine in this module uses to serialize access to a shared key. All
// keys live under the prefix plg/<slug>/.
package pluginstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/objectstore"
)

// Store is the per-plugin key/value store, scoped to one slug's keyspace.
type Store struct {
	store objectstore.Store
	slug  string
	log   *logrus.Entry
	accel *RedisAccelerator
}

// New returns a Store scoped to plg/<slug>/.
func New(store objectstore.Store, slug string, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{store: store, slug: slug, log: log.WithField("plugin_slug", slug)}
}

// WithAccelerator attaches a Redis fast path for lock acquisition and
// returns s for chaining. Lock correctness falls back to the object-store
// path whenever the accelerator is unreachable.
func (s *Store) WithAccelerator(a *RedisAccelerator) *Store {
	s.accel = a
	return s
}

func (s *Store) keyFor(key string) string {
	return fmt.Sprintf("plg/%s/%s", s.slug, key)
}

// Get reads the value stored at key. Returns errs.DriverNotFound wrapped
// when the key is absent.
func (s *Store) Get(ctx context.Context, key string, out interface{}) error {
	rc, err := s.store.GetObject(ctx, s.keyFor(key))
	if err != nil {
		if _, ok := err.(*objectstore.ErrNotFound); ok {
			return errs.New(errs.DriverNotFound, s.slug, "Get", err)
		}
		return errs.New(errs.DriverTransient, s.slug, "Get", err)
	}
	defer rc.Close()

	if out == nil {
		return nil
	}
	return json.NewDecoder(rc).Decode(out)
}

// Set writes value at key, overwriting any existing value.
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("pluginstore: marshal %s: %w", key, err)
	}
	if err := s.store.PutObject(ctx, s.keyFor(key), objectstore.NewReader(data), objectstore.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return errs.New(errs.DriverTransient, s.slug, "Set", err)
	}
	return nil
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.store.DeleteObject(ctx, s.keyFor(key)); err != nil {
		if _, ok := err.(*objectstore.ErrNotFound); ok {
			return nil
		}
		return errs.New(errs.DriverTransient, s.slug, "Delete", err)
	}
	return nil
}

// List returns every key (with the plg/<slug>/ prefix stripped) under
// prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.keyFor(prefix)
	base := fmt.Sprintf("plg/%s/", s.slug)

	var out []string
	token := ""
	for {
		res, err := s.store.ListObjects(ctx, full, token)
		if err != nil {
			return nil, errs.New(errs.DriverTransient, s.slug, "List", err)
		}
		for _, k := range res.Keys {
			out = append(out, strings.TrimPrefix(k, base))
		}
		if !res.IsTruncated {
			break
		}
		token = res.ContinuationToken
	}
	return out, nil
}
