package pluginstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/objectstore"
)

// Lock is a held distributed lock. Callers must call Release when done;
// releasing twice or releasing a lock that was preempted is a no-op.
type Lock struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	TTL        time.Duration

	store    *Store
	viaRedis bool
}

type lockRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
	TTLSeconds int       `json:"ttlSeconds"`
}

// AcquireOptions configures AcquireLock.
type AcquireOptions struct {
	TTLSeconds int
	TimeoutMs  int
	OwnerID    string
}

// AcquireLock attempts to create a lock object with a bounded TTL. On
// contention it polls with jittered backoff until TimeoutMs elapses, then
// returns (nil, nil): a nil *Lock with no error means "didn't get it in
// time", distinct from "storage failed".
//
// Correctness depends on the object store providing conditional create.
// Without it, acquisition is advisory: two callers may both believe they
// hold the lock until the TTL-bounded preemption check below catches it.
func (s *Store) AcquireLock(ctx context.Context, name string, opts AcquireOptions) (*Lock, error) {
	ttl := time.Duration(opts.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	owner := opts.OwnerID
	if owner == "" {
		owner = uuid.NewString()
	}

	lockKey := "locks/" + name
	deadline := time.Now().Add(timeout)

	for {
		// The Redis fast path, when configured, is the lock; the object
		// store is only consulted when Redis itself is unreachable, so two
		// callers never hold "the same lock" on different backends.
		if s.accel != nil {
			ok, err := s.accel.TryAcquire(ctx, s.slug+":"+name, owner, ttl)
			if err == nil {
				if ok {
					return &Lock{Name: name, Owner: owner, AcquiredAt: time.Now(), TTL: ttl, store: s, viaRedis: true}, nil
				}
			} else {
				s.log.WithError(err).Warn("pluginstore: lock accelerator unreachable, using object-store path")
				ok, serr := s.tryAcquire(ctx, lockKey, owner, ttl)
				if serr != nil {
					return nil, errs.New(errs.DriverTransient, s.slug, "AcquireLock", serr)
				}
				if ok {
					return &Lock{Name: name, Owner: owner, AcquiredAt: time.Now(), TTL: ttl, store: s}, nil
				}
			}
		} else {
			ok, err := s.tryAcquire(ctx, lockKey, owner, ttl)
			if err != nil {
				return nil, errs.New(errs.DriverTransient, s.slug, "AcquireLock", err)
			}
			if ok {
				return &Lock{Name: name, Owner: owner, AcquiredAt: time.Now(), TTL: ttl, store: s}, nil
			}
		}

		if timeout <= 0 || time.Now().After(deadline) {
			return nil, nil
		}

		jitter := time.Duration(rand.Intn(100)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50*time.Millisecond + jitter):
		}
	}
}

// tryAcquire attempts a single conditional-create; if the key already holds
// an expired lock, it is preempted (overwritten) before retrying the
// conditional create so a crashed owner never deadlocks the key forever.
func (s *Store) tryAcquire(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	rec := lockRecord{Owner: owner, AcquiredAt: time.Now(), TTLSeconds: int(ttl.Seconds())}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	fullKey := s.keyFor(lockKey)
	err = s.store.PutObject(ctx, fullKey, objectstore.NewReader(data), objectstore.PutOptions{
		ContentType: "application/json",
		IfNoneMatch: true,
	})
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*objectstore.ErrAlreadyExists); !ok {
		return false, err
	}

	existing, expired, err := s.readLock(ctx, lockKey)
	if err != nil {
		return false, err
	}
	if !expired {
		return false, nil
	}

	// The holder's TTL lapsed; preempt by overwriting unconditionally.
	// First-writer-wins here too: a racing preempter may win instead, which
	// is fine; no fairness guarantee is promised.
	_ = existing
	if err := s.store.PutObject(ctx, fullKey, objectstore.NewReader(data), objectstore.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) readLock(ctx context.Context, lockKey string) (lockRecord, bool, error) {
	var rec lockRecord
	rc, err := s.store.GetObject(ctx, s.keyFor(lockKey))
	if err != nil {
		if _, ok := err.(*objectstore.ErrNotFound); ok {
			return rec, true, nil
		}
		return rec, false, err
	}
	defer rc.Close()

	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return rec, false, err
	}
	expired := time.Since(rec.AcquiredAt) > time.Duration(rec.TTLSeconds)*time.Second
	return rec, expired, nil
}

// ReleaseLock deletes the lock object iff the current owner matches l.Owner.
func (s *Store) ReleaseLock(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	if l.viaRedis && s.accel != nil {
		return s.accel.Release(ctx, s.slug+":"+l.Name, l.Owner)
	}
	rec, _, err := s.readLock(ctx, "locks/"+l.Name)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return errs.New(errs.DriverTransient, s.slug, "ReleaseLock", err)
	}
	if rec.Owner != l.Owner {
		// Preempted by another caller; nothing to release.
		return nil
	}
	if err := s.Delete(ctx, "locks/"+l.Name); err != nil {
		return fmt.Errorf("pluginstore: release lock %s: %w", l.Name, err)
	}
	return nil
}
