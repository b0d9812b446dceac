package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const filesystemBucket = "cache"

// FilesystemDriver is the local-disk cache driver: a bbolt database holding
// one bucket of key -> compressed-or-raw value.
type FilesystemDriver struct {
	db *bolt.DB
}

// OpenFilesystemDriver opens (creating if absent) a bbolt database at path.
func OpenFilesystemDriver(path string) (*FilesystemDriver, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open filesystem driver at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(filesystemBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create bucket: %w", err)
	}
	return &FilesystemDriver{db: db}, nil
}

func (d *FilesystemDriver) Kind() Kind { return KindFilesystem }

func (d *FilesystemDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(filesystemBucket))
		v := b.Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (d *FilesystemDriver) Set(ctx context.Context, key string, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(filesystemBucket)).Put([]byte(key), value)
	})
}

func (d *FilesystemDriver) Delete(ctx context.Context, key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(filesystemBucket)).Delete([]byte(key))
	})
}

func (d *FilesystemDriver) Clear(ctx context.Context, prefix string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(filesystemBucket))
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *FilesystemDriver) Size(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(filesystemBucket)).ForEach(func(k, v []byte) error {
			n += int64(len(v))
			return nil
		})
	})
	return n, err
}

func (d *FilesystemDriver) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(filesystemBucket))
		c := b.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Close releases the underlying bbolt file handle.
func (d *FilesystemDriver) Close() error { return d.db.Close() }
