package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"s3db.evalgo.org/objectstore"
)

// ObjectStoreSink adapts an objectstore.Store to the Sink interface,
// backup's primary destination.
type ObjectStoreSink struct {
	Store objectstore.Store
}

func (s ObjectStoreSink) Put(ctx context.Context, key string, body []byte) error {
	return s.Store.PutObject(ctx, key, bytes.NewReader(body), objectstore.PutOptions{ContentType: "application/json"})
}

func (s ObjectStoreSink) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.Store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// CouchDBSink stores each snapshot body as a document's "body" field: a
// thin kivik wrapper exposing Put/Get by document id, used as an alternate
// backup destination rather than the primary record store.
type CouchDBSink struct {
	DB *kivik.DB
}

// NewCouchDBSink dials CouchDB at url and returns a sink writing into
// database dbName, creating it if CreateIfMissing and it does not exist.
func NewCouchDBSink(ctx context.Context, url, dbName string, createIfMissing bool) (*CouchDBSink, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("backup: couchdb client: %w", err)
	}
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("backup: couchdb db exists: %w", err)
	}
	if !exists {
		if !createIfMissing {
			return nil, fmt.Errorf("backup: couchdb database %s does not exist", dbName)
		}
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("backup: couchdb create db: %w", err)
		}
	}
	return &CouchDBSink{DB: client.DB(dbName)}, nil
}

type couchSnapshotDoc struct {
	ID   string `json:"_id"`
	Body []byte `json:"body"`
}

func (s *CouchDBSink) Put(ctx context.Context, key string, body []byte) error {
	doc := couchSnapshotDoc{ID: key, Body: body}
	_, err := s.DB.Put(ctx, key, doc)
	return err
}

func (s *CouchDBSink) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.DB.Get(ctx, key)
	if row.Err() != nil {
		return nil, row.Err()
	}
	var doc couchSnapshotDoc
	if err := row.ScanDoc(&doc); err != nil {
		return nil, err
	}
	return doc.Body, nil
}
