package driver

import (
	"context"
	"io"

	"s3db.evalgo.org/objectstore"
)

// S3Driver caches values directly on the object store, reusing the same
// backend every resource and the TTL/state-machine engines persist to:
// appropriate when the cache must survive process restarts without a
// dedicated cache tier.
type S3Driver struct {
	store objectstore.Store
}

// NewS3Driver wraps store as a cache driver.
func NewS3Driver(store objectstore.Store) *S3Driver {
	return &S3Driver{store: store}
}

func (d *S3Driver) Kind() Kind { return KindS3 }

func (d *S3Driver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rc, err := d.store.GetObject(ctx, "cache/"+key)
	if err != nil {
		if _, ok := err.(*objectstore.ErrNotFound); ok {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (d *S3Driver) Set(ctx context.Context, key string, value []byte) error {
	return d.store.PutObject(ctx, "cache/"+key, objectstore.NewReader(value), objectstore.PutOptions{})
}

func (d *S3Driver) Delete(ctx context.Context, key string) error {
	err := d.store.DeleteObject(ctx, "cache/"+key)
	if _, ok := err.(*objectstore.ErrNotFound); ok {
		return nil
	}
	return err
}

// Clear loops the continuation token until the prefix listing is
// exhausted; the object store isn't guaranteed to support a single-call
// prefix delete.
func (d *S3Driver) Clear(ctx context.Context, prefix string) error {
	token := ""
	for {
		res, err := d.store.ListObjects(ctx, "cache/"+prefix, token)
		if err != nil {
			return err
		}
		for _, k := range res.Keys {
			if err := d.store.DeleteObject(ctx, k); err != nil {
				if _, ok := err.(*objectstore.ErrNotFound); !ok {
					return err
				}
			}
		}
		if !res.IsTruncated {
			return nil
		}
		token = res.ContinuationToken
	}
}

func (d *S3Driver) Size(ctx context.Context) (int64, error) {
	keys, err := d.Keys(ctx, "")
	return int64(len(keys)), err
}

func (d *S3Driver) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	token := ""
	for {
		res, err := d.store.ListObjects(ctx, "cache/"+prefix, token)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Keys...)
		if !res.IsTruncated {
			return out, nil
		}
		token = res.ContinuationToken
	}
}
