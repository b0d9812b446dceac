package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/resource"
)

// Snapshot is the metadata record produced by one successful RunBackup call.
type Snapshot struct {
	ID            string
	ResourceName  string
	Strategy      Strategy
	Location      string
	Checksum      string
	SizeBytes     int
	RecordCount   int
	Generation    string
	CreatedAt     time.Time
	SecondarySink bool
}

// RunBackup snapshots resourceName per its configured strategy, verifies
// the write with a SHA-256 checksum read back from the sink, records the
// result in plg_backup_metadata, and prunes generations past the
// resource's retention policy.
func (p *Plugin) RunBackup(ctx context.Context, resourceName string) (Snapshot, error) {
	cfg, ok := p.cfg.Resources[resourceName]
	if !ok {
		return Snapshot{}, errs.New(errs.ConfigurationInvalid, p.Slug, "RunBackup", fmt.Errorf("resource %s not configured", resourceName))
	}

	records, err := p.selectRecords(ctx, resourceName, cfg)
	if err != nil {
		return Snapshot{}, errs.New(errs.DriverTransient, p.Slug, "RunBackup", err)
	}

	body, err := json.Marshal(records)
	if err != nil {
		return Snapshot{}, errs.New(errs.ConfigurationInvalid, p.Slug, "RunBackup", err)
	}
	checksum := sha256Hex(body)
	generation := uuid.NewString()
	location := fmt.Sprintf("backup/%s/%s.json", resourceName, generation)

	if err := p.cfg.Store.Put(ctx, location, body); err != nil {
		return Snapshot{}, errs.New(errs.DriverTransient, p.Slug, "RunBackup", fmt.Errorf("primary sink: %w", err))
	}
	if err := p.verify(ctx, p.cfg.Store, location, checksum); err != nil {
		return Snapshot{}, err
	}

	usedSecondary := false
	if p.cfg.SecondarySink != nil {
		if err := p.cfg.SecondarySink.Put(ctx, location, body); err != nil {
			p.log.WithError(err).WithField("resource", resourceName).Warn("backup: secondary sink write failed")
		} else if err := p.verify(ctx, p.cfg.SecondarySink, location, checksum); err != nil {
			p.log.WithError(err).WithField("resource", resourceName).Warn("backup: secondary sink checksum mismatch")
		} else {
			usedSecondary = true
		}
	}

	snap := Snapshot{
		ID:            generation,
		ResourceName:  resourceName,
		Strategy:      cfg.Strategy,
		Location:      location,
		Checksum:      checksum,
		SizeBytes:     len(body),
		RecordCount:   len(records),
		Generation:    generation,
		CreatedAt:     p.now(),
		SecondarySink: usedSecondary,
	}
	if _, err := p.metadata.Insert(ctx, snapshotRecord(snap)); err != nil {
		return Snapshot{}, errs.New(errs.DriverTransient, p.Slug, "RunBackup", fmt.Errorf("metadata insert: %w", err))
	}

	p.bumpSnapshot()

	if err := p.pruneRetention(ctx, resourceName, cfg.Retention); err != nil {
		p.log.WithError(err).WithField("resource", resourceName).Warn("backup: retention prune failed")
	}
	return snap, nil
}

// selectRecords applies cfg.Strategy: full snapshots every record;
// incremental snapshots only those changed since the last successful
// snapshot, falling back to the last 24 hours when no prior snapshot
// exists for resourceName.
func (p *Plugin) selectRecords(ctx context.Context, resourceName string, cfg *ResourceConfig) ([]resource.Record, error) {
	if cfg.Strategy == StrategyFull {
		return cfg.Source.GetAll(ctx, resource.QueryOptions{})
	}

	since, err := p.lastSnapshotTime(ctx, resourceName)
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		since = p.now().Add(-24 * time.Hour)
	}
	return cfg.Source.Query(ctx, func(r resource.Record) bool {
		ts, ok := r[TimestampField].(string)
		if !ok {
			return false
		}
		t, err := time.Parse(time.RFC3339, ts)
		return err == nil && !t.Before(since)
	}, resource.QueryOptions{})
}

// lastSnapshotTime returns the CreatedAt of the most recent successful
// snapshot recorded for resourceName, or the zero time if none exists.
func (p *Plugin) lastSnapshotTime(ctx context.Context, resourceName string) (time.Time, error) {
	entries, err := p.metadata.Query(ctx, func(r resource.Record) bool {
		rn, _ := r["resourceName"].(string)
		return rn == resourceName
	}, resource.QueryOptions{})
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, e := range entries {
		ts, _ := e["createdAt"].(string)
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
	}
	return latest, nil
}

// verify reads the snapshot back from sink and compares its checksum,
// raising VerificationFailed on mismatch.
func (p *Plugin) verify(ctx context.Context, sink Sink, location, wantChecksum string) error {
	body, err := sink.Get(ctx, location)
	if err != nil {
		return errs.New(errs.DriverTransient, p.Slug, "verify", err)
	}
	if sha256Hex(body) != wantChecksum {
		return errs.New(errs.VerificationFailed, p.Slug, "verify", fmt.Errorf("checksum mismatch for %s", location))
	}
	return nil
}

func sha256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func snapshotRecord(s Snapshot) resource.Record {
	return resource.Record{
		"id":            s.ID,
		"resourceName":  s.ResourceName,
		"strategy":      string(s.Strategy),
		"location":      s.Location,
		"checksum":      s.Checksum,
		"sizeBytes":     s.SizeBytes,
		"recordCount":   s.RecordCount,
		"generation":    s.Generation,
		"createdAt":     s.CreatedAt.UTC().Format(time.RFC3339),
		"secondarySink": s.SecondarySink,
	}
}
