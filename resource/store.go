package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/objectstore"
)

// ObjectStoreResource is the reference Resource implementation: records are JSON
// blobs at res/<name>/records/<id>.json, partitions are empty pointer keys
// at res/<name>/partitions/<pname>/<value>/<id> used only for prefix scans,
// and free-form content blobs live at res/<name>/content/<id>. It exists so
// the plugin runtime and the three engines have something concrete to run
// against in tests and in cmd/s3dbengine, standing in for whatever
// production resource implementation a host database supplies.
type ObjectStoreResource struct {
	store  objectstore.Store
	schema Schema
	reg    *registry
	mu     sync.Mutex
}

// New constructs an ObjectStoreResource over store, named and shaped by
// schema.
func New(store objectstore.Store, schema Schema) *ObjectStoreResource {
	r := &ObjectStoreResource{store: store, schema: schema, reg: newRegistry()}
	r.bindOriginals()
	return r
}

func (r *ObjectStoreResource) Name() string   { return r.schema.Name }
func (r *ObjectStoreResource) SchemaOf() Schema { return r.schema }

func (r *ObjectStoreResource) recordKey(id string) string {
	return fmt.Sprintf("res/%s/records/%s.json", r.schema.Name, id)
}

func (r *ObjectStoreResource) contentKey(id string) string {
	return fmt.Sprintf("res/%s/content/%s", r.schema.Name, id)
}

func (r *ObjectStoreResource) partitionKey(pname string, value interface{}, id string) string {
	return fmt.Sprintf("res/%s/partitions/%s/%v/%s", r.schema.Name, pname, value, id)
}

func (r *ObjectStoreResource) recordsPrefix() string {
	return fmt.Sprintf("res/%s/records/", r.schema.Name)
}

// UseMiddleware installs fn as the next middleware on methodName's chain.
func (r *ObjectStoreResource) UseMiddleware(methodName string, fn MiddlewareFunc) error {
	r.reg.use(methodName, fn)
	return nil
}

// WrapResourceMethod installs a post-hook wrapper for methodName, composing
// with any already registered in insertion order.
func (r *ObjectStoreResource) WrapResourceMethod(methodName string, w PostWrapper) {
	r.reg.addWrapper(methodName, w)
}

func (r *ObjectStoreResource) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	c, ok := r.reg.chains[method]
	if !ok {
		return nil, fmt.Errorf("resource: no handler bound for method %s", method)
	}
	return c.invoke(ctx, args...)
}

// bindOriginals binds the un-middlewared implementation to each method's
// chain; UseMiddleware calls made afterward append in front of these.
func (r *ObjectStoreResource) bindOriginals() {
	r.reg.bind(MethodGet, r.originalGet)
	r.reg.bind(MethodExists, r.originalExists)
	r.reg.bind(MethodCount, r.originalCount)
	r.reg.bind(MethodListIds, r.originalListIds)
	r.reg.bind(MethodGetMany, r.originalGetMany)
	r.reg.bind(MethodGetAll, r.originalGetAll)
	r.reg.bind(MethodPage, r.originalPage)
	r.reg.bind(MethodList, r.originalList)
	r.reg.bind(MethodQuery, r.originalQuery)
	r.reg.bind(MethodGetFromPartition, r.originalGetFromPartition)
	r.reg.bind(MethodContent, r.originalContent)
	r.reg.bind(MethodHasContent, r.originalHasContent)
	r.reg.bind(MethodInsert, r.originalInsert)
	r.reg.bind(MethodUpdate, r.originalUpdate)
	r.reg.bind(MethodPatch, r.originalPatch)
	r.reg.bind(MethodDelete, r.originalDelete)
	r.reg.bind(MethodDeleteMany, r.originalDeleteMany)
	r.reg.bind(MethodReplace, r.originalReplace)
	r.reg.bind(MethodSetContent, r.originalSetContent)
	r.reg.bind(MethodDeleteContent, r.originalDeleteContent)
}

func isSkipCache(args []interface{}) bool {
	if len(args) == 0 {
		return false
	}
	opts, ok := args[len(args)-1].(QueryOptions)
	return ok && opts.SkipCache
}

// --- Public contract methods: each delegates to its chain -----------------

func (r *ObjectStoreResource) Get(ctx context.Context, id string, opts QueryOptions) (Record, error) {
	res, err := r.call(ctx, MethodGet, id, opts)
	return toRecord(res), err
}

func (r *ObjectStoreResource) Exists(ctx context.Context, id string, opts QueryOptions) (bool, error) {
	res, err := r.call(ctx, MethodExists, id, opts)
	if err != nil {
		return false, err
	}
	b, _ := res.(bool)
	return b, nil
}

func (r *ObjectStoreResource) Count(ctx context.Context, opts QueryOptions) (int, error) {
	res, err := r.call(ctx, MethodCount, opts)
	if err != nil {
		return 0, err
	}
	n, _ := res.(int)
	return n, nil
}

func (r *ObjectStoreResource) ListIds(ctx context.Context, opts QueryOptions) ([]string, error) {
	res, err := r.call(ctx, MethodListIds, opts)
	if err != nil {
		return nil, err
	}
	ids, _ := res.([]string)
	return ids, nil
}

func (r *ObjectStoreResource) GetMany(ctx context.Context, ids []string, opts QueryOptions) ([]Record, error) {
	res, err := r.call(ctx, MethodGetMany, ids, opts)
	return toRecords(res), err
}

func (r *ObjectStoreResource) GetAll(ctx context.Context, opts QueryOptions) ([]Record, error) {
	res, err := r.call(ctx, MethodGetAll, opts)
	return toRecords(res), err
}

func (r *ObjectStoreResource) Page(ctx context.Context, opts QueryOptions) (PageResult, error) {
	res, err := r.call(ctx, MethodPage, opts)
	if err != nil {
		return PageResult{}, err
	}
	pr, _ := res.(PageResult)
	return pr, nil
}

func (r *ObjectStoreResource) List(ctx context.Context, opts QueryOptions) ([]Record, error) {
	res, err := r.call(ctx, MethodList, opts)
	return toRecords(res), err
}

func (r *ObjectStoreResource) Query(ctx context.Context, filter Filter, opts QueryOptions) ([]Record, error) {
	res, err := r.call(ctx, MethodQuery, filter, opts)
	return toRecords(res), err
}

func (r *ObjectStoreResource) GetFromPartition(ctx context.Context, id, partitionName string, partitionValues map[string]interface{}) (Record, error) {
	res, err := r.call(ctx, MethodGetFromPartition, id, partitionName, partitionValues)
	return toRecord(res), err
}

func (r *ObjectStoreResource) Content(ctx context.Context, id string) ([]byte, error) {
	res, err := r.call(ctx, MethodContent, id)
	if err != nil {
		return nil, err
	}
	b, _ := res.([]byte)
	return b, nil
}

func (r *ObjectStoreResource) HasContent(ctx context.Context, id string) (bool, error) {
	res, err := r.call(ctx, MethodHasContent, id)
	if err != nil {
		return false, err
	}
	b, _ := res.(bool)
	return b, nil
}

func (r *ObjectStoreResource) Insert(ctx context.Context, rec Record) (Record, error) {
	res, err := r.call(ctx, MethodInsert, rec)
	return toRecord(res), err
}

func (r *ObjectStoreResource) Update(ctx context.Context, id string, changes Record) (Record, error) {
	res, err := r.call(ctx, MethodUpdate, id, changes)
	return toRecord(res), err
}

func (r *ObjectStoreResource) Patch(ctx context.Context, id string, changes Record) (Record, error) {
	res, err := r.call(ctx, MethodPatch, id, changes)
	return toRecord(res), err
}

func (r *ObjectStoreResource) Delete(ctx context.Context, id string) error {
	_, err := r.call(ctx, MethodDelete, id)
	return err
}

func (r *ObjectStoreResource) DeleteMany(ctx context.Context, ids []string) error {
	_, err := r.call(ctx, MethodDeleteMany, ids)
	return err
}

func (r *ObjectStoreResource) Replace(ctx context.Context, id string, rec Record) (Record, error) {
	res, err := r.call(ctx, MethodReplace, id, rec)
	return toRecord(res), err
}

func (r *ObjectStoreResource) SetContent(ctx context.Context, id string, data []byte) error {
	_, err := r.call(ctx, MethodSetContent, id, data)
	return err
}

func (r *ObjectStoreResource) DeleteContent(ctx context.Context, id string) error {
	_, err := r.call(ctx, MethodDeleteContent, id)
	return err
}

func toRecord(v interface{}) Record {
	if v == nil {
		return nil
	}
	r, _ := v.(Record)
	return r
}

func toRecords(v interface{}) []Record {
	if v == nil {
		return nil
	}
	rs, _ := v.([]Record)
	return rs
}

// --- original (un-middlewared) handlers ------------------------------------

func (r *ObjectStoreResource) originalGet(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	rc, err := r.store.GetObject(ctx, r.recordKey(id))
	if err != nil {
		if _, ok := err.(*objectstore.ErrNotFound); ok {
			return nil, errs.New(errs.DriverNotFound, r.schema.Name, MethodGet, err)
		}
		return nil, errs.New(errs.DriverTransient, r.schema.Name, MethodGet, err)
	}
	defer rc.Close()
	var rec Record
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return nil, fmt.Errorf("resource: decode %s/%s: %w", r.schema.Name, id, err)
	}
	return rec, nil
}

func (r *ObjectStoreResource) originalExists(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	ok, err := r.store.HeadObject(ctx, r.recordKey(id))
	if err != nil {
		return false, errs.New(errs.DriverTransient, r.schema.Name, MethodExists, err)
	}
	return ok, nil
}

func (r *ObjectStoreResource) originalCount(ctx context.Context, args ...interface{}) (interface{}, error) {
	ids, err := r.scanIDs(ctx, args[0].(QueryOptions))
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *ObjectStoreResource) originalListIds(ctx context.Context, args ...interface{}) (interface{}, error) {
	return r.scanIDs(ctx, args[0].(QueryOptions))
}

func (r *ObjectStoreResource) originalGetMany(ctx context.Context, args ...interface{}) (interface{}, error) {
	ids := args[0].([]string)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.originalGet(ctx, id, QueryOptions{})
		if err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, rec.(Record))
	}
	return out, nil
}

func (r *ObjectStoreResource) originalGetAll(ctx context.Context, args ...interface{}) (interface{}, error) {
	return r.scanRecords(ctx, args[0].(QueryOptions))
}

func (r *ObjectStoreResource) originalList(ctx context.Context, args ...interface{}) (interface{}, error) {
	return r.scanRecords(ctx, args[0].(QueryOptions))
}

func (r *ObjectStoreResource) originalPage(ctx context.Context, args ...interface{}) (interface{}, error) {
	opts := args[0].(QueryOptions)
	all, err := r.scanRecords(ctx, QueryOptions{Partition: opts.Partition, PartitionValues: opts.PartitionValues})
	if err != nil {
		return PageResult{}, err
	}
	size := opts.Limit
	if size <= 0 {
		size = len(all)
	}
	offset := opts.Offset
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + size
	if end > len(all) {
		end = len(all)
	}
	return PageResult{Records: all[offset:end], Total: len(all), HasMore: end < len(all)}, nil
}

func (r *ObjectStoreResource) originalQuery(ctx context.Context, args ...interface{}) (interface{}, error) {
	filter := args[0].(Filter)
	opts := args[1].(QueryOptions)
	all, err := r.scanRecords(ctx, opts)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if filter == nil || filter(rec) {
			out = append(out, rec)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
	}
	return out, nil
}

func (r *ObjectStoreResource) originalGetFromPartition(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	return r.originalGet(ctx, id, QueryOptions{})
}

func (r *ObjectStoreResource) originalContent(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	rc, err := r.store.GetObject(ctx, r.contentKey(id))
	if err != nil {
		if _, ok := err.(*objectstore.ErrNotFound); ok {
			return nil, errs.New(errs.DriverNotFound, r.schema.Name, MethodContent, err)
		}
		return nil, errs.New(errs.DriverTransient, r.schema.Name, MethodContent, err)
	}
	defer rc.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := rc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func (r *ObjectStoreResource) originalHasContent(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	ok, err := r.store.HeadObject(ctx, r.contentKey(id))
	if err != nil {
		return false, errs.New(errs.DriverTransient, r.schema.Name, MethodHasContent, err)
	}
	return ok, nil
}

func (r *ObjectStoreResource) originalInsert(ctx context.Context, args ...interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := args[0].(Record)
	if rec.ID() == "" {
		rec["id"] = uuid.NewString()
	}
	if r.schema.Timestamps {
		now := time.Now().UTC().Format(time.RFC3339)
		rec["createdAt"] = now
		rec["updatedAt"] = now
	}

	if err := r.writeRecord(ctx, rec); err != nil {
		return nil, err
	}
	r.indexPartitions(ctx, rec)
	return rec, nil
}

func (r *ObjectStoreResource) originalUpdate(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	changes := args[1].(Record)

	existing, err := r.originalGet(ctx, id, QueryOptions{})
	if err != nil {
		return nil, err
	}
	rec := existing.(Record)
	for k, v := range changes {
		rec[k] = v
	}
	if r.schema.Timestamps {
		rec["updatedAt"] = time.Now().UTC().Format(time.RFC3339)
	}
	if err := r.writeRecord(ctx, rec); err != nil {
		return nil, err
	}
	r.indexPartitions(ctx, rec)
	return rec, nil
}

func (r *ObjectStoreResource) originalPatch(ctx context.Context, args ...interface{}) (interface{}, error) {
	return r.originalUpdate(ctx, args...)
}

func (r *ObjectStoreResource) originalDelete(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	if err := r.store.DeleteObject(ctx, r.recordKey(id)); err != nil {
		if _, ok := err.(*objectstore.ErrNotFound); !ok {
			return nil, errs.New(errs.DriverTransient, r.schema.Name, MethodDelete, err)
		}
	}
	return nil, nil
}

func (r *ObjectStoreResource) originalDeleteMany(ctx context.Context, args ...interface{}) (interface{}, error) {
	ids := args[0].([]string)
	for _, id := range ids {
		if _, err := r.originalDelete(ctx, id); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *ObjectStoreResource) originalReplace(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	rec := args[1].(Record)
	rec["id"] = id
	if err := r.writeRecord(ctx, rec); err != nil {
		return nil, err
	}
	r.indexPartitions(ctx, rec)
	return rec, nil
}

func (r *ObjectStoreResource) originalSetContent(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	data := args[1].([]byte)
	if err := r.store.PutObject(ctx, r.contentKey(id), objectstore.NewReader(data), objectstore.PutOptions{}); err != nil {
		return nil, errs.New(errs.DriverTransient, r.schema.Name, MethodSetContent, err)
	}
	return nil, nil
}

func (r *ObjectStoreResource) originalDeleteContent(ctx context.Context, args ...interface{}) (interface{}, error) {
	id := args[0].(string)
	if err := r.store.DeleteObject(ctx, r.contentKey(id)); err != nil {
		if _, ok := err.(*objectstore.ErrNotFound); !ok {
			return nil, errs.New(errs.DriverTransient, r.schema.Name, MethodDeleteContent, err)
		}
	}
	return nil, nil
}

// --- internal helpers -------------------------------------------------------

func (r *ObjectStoreResource) writeRecord(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("resource: marshal %s/%s: %w", r.schema.Name, rec.ID(), err)
	}
	if err := r.store.PutObject(ctx, r.recordKey(rec.ID()), objectstore.NewReader(data), objectstore.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return errs.New(errs.DriverTransient, r.schema.Name, "write", err)
	}
	return nil
}

// indexPartitions writes a pointer key per declared partition whose fields
// are all non-null on rec; a partition is skipped when any of its fields is
// null or absent, the same rule cache/engine.go's partitionValue applies to
// cache partition keys.
func (r *ObjectStoreResource) indexPartitions(ctx context.Context, rec Record) {
	for _, p := range r.schema.Partitions {
		value, ok := partitionValue(rec, p)
		if !ok {
			continue
		}
		_ = r.store.PutObject(ctx, r.partitionKey(p.Name, value, rec.ID()), objectstore.NewReader(nil), objectstore.PutOptions{})
	}
}

func partitionValue(rec Record, p PartitionDef) (string, bool) {
	var parts []string
	for _, f := range p.Fields {
		v, ok := rec[f]
		if !ok || v == nil {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, ","), true
}

func (r *ObjectStoreResource) scanIDs(ctx context.Context, opts QueryOptions) ([]string, error) {
	prefix := r.recordsPrefix()
	if opts.Partition != "" {
		var parts []string
		for _, p := range r.schema.Partitions {
			if p.Name != opts.Partition {
				continue
			}
			for _, f := range p.Fields {
				parts = append(parts, fmt.Sprintf("%v", opts.PartitionValues[f]))
			}
		}
		prefix = fmt.Sprintf("res/%s/partitions/%s/%s/", r.schema.Name, opts.Partition, strings.Join(parts, ","))
	}

	var ids []string
	token := ""
	for {
		res, err := r.store.ListObjects(ctx, prefix, token)
		if err != nil {
			return nil, errs.New(errs.DriverTransient, r.schema.Name, MethodListIds, err)
		}
		for _, k := range res.Keys {
			base := k[strings.LastIndex(k, "/")+1:]
			ids = append(ids, strings.TrimSuffix(base, ".json"))
		}
		if !res.IsTruncated {
			break
		}
		token = res.ContinuationToken
	}
	return ids, nil
}

func (r *ObjectStoreResource) scanRecords(ctx context.Context, opts QueryOptions) ([]Record, error) {
	ids, err := r.scanIDs(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.originalGet(ctx, id, QueryOptions{})
		if err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, rec.(Record))
	}
	return out, nil
}
