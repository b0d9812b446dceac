// Package cache implements per-resource read-through and write-invalidate
// middleware, deterministic key derivation, multi-tier drivers with
// promotion, and retrying invalidation.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"s3db.evalgo.org/cache/driver"
	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/resource"
)

// Filter selects which resources a cache engine installs onto:
// "every resource that passes {include?, exclude?, !isPluginCreated unless
// includeOverride}".
type Filter struct {
	Include         []string
	Exclude         []string
	IncludeOverride bool
}

func (f Filter) allows(schema resource.Schema) bool {
	for _, ex := range f.Exclude {
		if ex == schema.Name {
			return false
		}
	}
	if len(f.Include) > 0 {
		included := false
		for _, in := range f.Include {
			if in == schema.Name {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	isPluginCreated := schema.CreatedBy != "" && schema.CreatedBy != "user"
	if isPluginCreated && !f.IncludeOverride {
		return false
	}
	return true
}

// Config configures an Engine.
type Config struct {
	Driver               driver.Driver
	Bus                  *eventbus.Bus
	Slug                 string
	RetryAttempts        int
	RetryDelay           time.Duration
	CompressionThreshold int // bytes; 0 disables
	IncludePartitions    bool
	Log                  *logrus.Entry

	// RetryBudget caps how many invalidation retries per second this engine
	// issues against its driver across all resources, independent of
	// RetryAttempts' per-call exponential backoff; zero disables the cap.
	RetryBudget rate.Limit
}

// Engine is a cache engine bound to one driver (which may itself be a
// driver.MultiTierDriver).
type Engine struct {
	cfg     Config
	stats   *Stats
	log     *logrus.Entry
	limiter *rate.Limiter
}

// New builds an Engine from cfg, applying documented defaults for retry
// parameters when unset.
func New(cfg Config) *Engine {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = logrus.WithField("engine", "cache")
	}
	var limiter *rate.Limiter
	if cfg.RetryBudget > 0 {
		limiter = rate.NewLimiter(cfg.RetryBudget, int(cfg.RetryBudget)+1)
	}
	return &Engine{cfg: cfg, stats: NewStats(), log: log, limiter: limiter}
}

// Stats returns the current counters.
func (e *Engine) Stats() Snapshot { return e.stats.Snapshot() }

// ResetStats atomically zeroes every counter.
func (e *Engine) ResetStats() { e.stats.Reset() }

// InstallOnResource installs read-through middleware on the fixed read
// methods and invalidation middleware on the fixed write methods, provided
// filter allows res's schema.
func (e *Engine) InstallOnResource(res resource.Resource, filter Filter) error {
	schema := res.SchemaOf()
	if !filter.allows(schema) {
		return nil
	}

	for _, method := range resource.ReadMethods {
		m := method
		if err := res.UseMiddleware(m, e.readMiddleware(schema.Name, m)); err != nil {
			return fmt.Errorf("cache: install read middleware %s.%s: %w", schema.Name, m, err)
		}
	}
	for _, method := range resource.WriteMethods {
		m := method
		if err := res.UseMiddleware(m, e.writeMiddleware(schema, m)); err != nil {
			return fmt.Errorf("cache: install write middleware %s.%s: %w", schema.Name, m, err)
		}
	}
	return nil
}

func (e *Engine) readMiddleware(resourceName, method string) resource.MiddlewareFunc {
	return func(next resource.NextFunc, ctx context.Context, args ...interface{}) (interface{}, error) {
		if isSkipCache(args) {
			return next(ctx, args...)
		}

		key := Key(resourceName, method, partitionFromArgs(args), paramsFromArgs(method, args), e.cfg.CompressionThreshold > 0)

		if raw, hit, err := e.cfg.Driver.Get(ctx, key); err != nil {
			if !errs.IsNotFound(err) {
				e.stats.incErrors()
				return nil, err
			}
		} else if hit {
			value, decodeErr := e.decode(method, raw)
			if decodeErr == nil {
				e.stats.incHits()
				return value, nil
			}
		}

		e.stats.incMisses()
		result, err := next(ctx, args...)
		if err != nil {
			return result, err
		}

		if data, encErr := e.encode(result); encErr == nil {
			if err := e.cfg.Driver.Set(ctx, key, data); err == nil {
				e.stats.incWrites()
			} else {
				e.stats.incErrors()
			}
		}
		return result, nil
	}
}

func (e *Engine) writeMiddleware(schema resource.Schema, method string) resource.MiddlewareFunc {
	return func(next resource.NextFunc, ctx context.Context, args ...interface{}) (interface{}, error) {
		result, err := next(ctx, args...)
		if err != nil {
			return result, err
		}

		id := idFromArgs(args)
		if err := e.invalidate(ctx, schema, id, result); err != nil {
			e.log.WithError(err).WithField("resource", schema.Name).Warn("cache invalidation failed")
			if e.cfg.Bus != nil {
				e.cfg.Bus.Publish(eventbus.Event{
					Name: eventbus.PluginEvent(e.cfg.Slug, "cache:clear-error"),
					Data: err,
				})
			}
		}
		return result, nil
	}
}

// invalidate clears, in order: item-specific keys, partition-keyed entries,
// then a broad resource-prefix clear falling back to per-aggregate-action
// clears.
func (e *Engine) invalidate(ctx context.Context, schema resource.Schema, id string, writeResult interface{}) error {
	if id != "" {
		for _, m := range []string{resource.MethodGet, resource.MethodExists, resource.MethodContent, resource.MethodHasContent} {
			key := Key(schema.Name, m, nil, id, false)
			if err := e.retryClear(ctx, key); err != nil {
				return err
			}
		}
	}

	if e.cfg.IncludePartitions && len(schema.Partitions) > 0 {
		if rec, ok := writeResult.(resource.Record); ok {
			if aware, ok := e.cfg.Driver.(driver.PartitionAware); ok {
				for _, p := range schema.Partitions {
					value, complete := partitionValue(rec, p.Fields)
					if !complete {
						continue
					}
					if err := e.retry(ctx, func() error {
						return aware.ClearPartition(ctx, schema.Name, p.Name, value)
					}); err != nil {
						return err
					}
				}
			}
		}
	}

	prefix := fmt.Sprintf("resource=%s/", schema.Name)
	if err := e.retryClearPrefix(ctx, prefix); err != nil {
		for _, m := range []string{resource.MethodCount, resource.MethodList, resource.MethodListIds, resource.MethodGetAll, resource.MethodPage, resource.MethodQuery} {
			aggPrefix := fmt.Sprintf("resource=%s/action=%s", schema.Name, m)
			if clearErr := e.retryClearPrefix(ctx, aggPrefix); clearErr != nil {
				return clearErr
			}
		}
	}
	return nil
}

// retryClear/retryClearPrefix retry with exponential backoff
// retryDelay*2^attempt, up to RetryAttempts; a not-found outcome counts as
// success.
func (e *Engine) retryClear(ctx context.Context, key string) error {
	return e.retry(ctx, func() error { return e.cfg.Driver.Delete(ctx, key) })
}

func (e *Engine) retryClearPrefix(ctx context.Context, prefix string) error {
	return e.retry(ctx, func() error { return e.cfg.Driver.Clear(ctx, prefix) })
}

func (e *Engine) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := op(); err == nil || errs.IsNotFound(err) {
			return nil
		} else {
			lastErr = err
		}
		delay := time.Duration(float64(e.cfg.RetryDelay) * math.Pow(2, float64(attempt)))
		time.Sleep(delay)
	}
	return lastErr
}

func (e *Engine) encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if e.cfg.CompressionThreshold > 0 && len(data) > e.cfg.CompressionThreshold {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		return append([]byte{1}, buf.Bytes()...), nil
	}
	return append([]byte{0}, data...), nil
}

func (e *Engine) decode(method string, raw []byte) (interface{}, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("cache: empty cached value")
	}
	compressed := raw[0] == 1
	payload := raw[1:]
	if compressed {
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		payload = data
	}

	switch method {
	case resource.MethodGet, resource.MethodGetFromPartition:
		var rec resource.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		return rec, nil
	case resource.MethodGetMany, resource.MethodGetAll, resource.MethodList, resource.MethodQuery:
		var recs []resource.Record
		if err := json.Unmarshal(payload, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	case resource.MethodExists, resource.MethodHasContent:
		var b bool
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, err
		}
		return b, nil
	case resource.MethodCount:
		var n int
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, err
		}
		return n, nil
	case resource.MethodListIds:
		var ids []string
		if err := json.Unmarshal(payload, &ids); err != nil {
			return nil, err
		}
		return ids, nil
	case resource.MethodPage:
		var pr resource.PageResult
		if err := json.Unmarshal(payload, &pr); err != nil {
			return nil, err
		}
		return pr, nil
	case resource.MethodContent:
		var b []byte
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cache: unknown read method %s", method)
	}
}

func isSkipCache(args []interface{}) bool {
	if len(args) == 0 {
		return false
	}
	if opts, ok := args[len(args)-1].(resource.QueryOptions); ok {
		return opts.SkipCache
	}
	return false
}

func idFromArgs(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	if s, ok := args[0].(string); ok {
		return s
	}
	return ""
}

func partitionFromArgs(args []interface{}) *PartitionRef {
	for _, a := range args {
		if opts, ok := a.(resource.QueryOptions); ok && opts.Partition != "" {
			return &PartitionRef{Name: opts.Partition, Fields: opts.PartitionValues}
		}
	}
	return nil
}

func partitionValue(rec resource.Record, fields []string) (string, bool) {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := rec[f]
		if !ok || v == nil {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "/"), true
}

func paramsFromArgs(method string, args []interface{}) interface{} {
	// Drop any trailing QueryOptions used only for skipCache/partition
	// signaling; the remaining positional args are the cache key's
	// parameter payload.
	if len(args) > 0 {
		if _, ok := args[len(args)-1].(resource.QueryOptions); ok {
			args = args[:len(args)-1]
		}
	}
	if len(args) == 1 {
		return args[0]
	}
	return args
}
