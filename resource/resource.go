// Package resource defines the unit of persistence every engine in this
// module is layered on. The concrete schema/validator layer
// is an external collaborator (out of scope); this package fixes the method
// surface engines code against and supplies one reference implementation,
// ObjectStoreResource, backed directly on objectstore.Store, used by the
// engines' own tests and by cmd/s3dbengine's demo wiring.
package resource

import "context"

// Record is one persisted entity: a JSON-shaped bag of fields plus its id.
// Implementations are free to use a richer type internally but exchange
// Record at the contract boundary.
type Record map[string]interface{}

// ID returns the record's "id" field as a string, or "" if absent/wrong
// type.
func (r Record) ID() string {
	if v, ok := r["id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// PartitionDef names a derivation of one or more fields used to cluster
// keys and enable prefix scans.
type PartitionDef struct {
	Name   string
	Fields []string
}

// Schema is the $schema a resource exposes: attributes, partitions,
// whether timestamps are tracked, and provenance.
type Schema struct {
	Name       string
	Attributes []string
	Partitions []PartitionDef
	Timestamps bool
	CreatedBy  string // "user" or a plugin slug
}

// QueryOptions bounds a query/list/page call.
type QueryOptions struct {
	Limit            int
	Offset           int
	Partition        string
	PartitionValues  map[string]interface{}
	SkipCache        bool
}

// PageResult is the result of Page: a window plus whether more exist.
type PageResult struct {
	Records []Record
	Total   int
	HasMore bool
}

// Filter is an opaque predicate evaluated against a Record by Query.
// Engines never construct filters themselves; callers do.
type Filter func(Record) bool

// Resource is the contract consumed by engines. Read methods never
// mutate; write methods run through the same middleware chain as reads.
type Resource interface {
	Name() string
	SchemaOf() Schema

	// Reads
	Get(ctx context.Context, id string, opts QueryOptions) (Record, error)
	Exists(ctx context.Context, id string, opts QueryOptions) (bool, error)
	Count(ctx context.Context, opts QueryOptions) (int, error)
	ListIds(ctx context.Context, opts QueryOptions) ([]string, error)
	GetMany(ctx context.Context, ids []string, opts QueryOptions) ([]Record, error)
	GetAll(ctx context.Context, opts QueryOptions) ([]Record, error)
	Page(ctx context.Context, opts QueryOptions) (PageResult, error)
	List(ctx context.Context, opts QueryOptions) ([]Record, error)
	Query(ctx context.Context, filter Filter, opts QueryOptions) ([]Record, error)
	GetFromPartition(ctx context.Context, id, partitionName string, partitionValues map[string]interface{}) (Record, error)
	Content(ctx context.Context, id string) ([]byte, error)
	HasContent(ctx context.Context, id string) (bool, error)

	// Writes
	Insert(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, id string, changes Record) (Record, error)
	Patch(ctx context.Context, id string, changes Record) (Record, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error
	Replace(ctx context.Context, id string, rec Record) (Record, error)
	SetContent(ctx context.Context, id string, data []byte) error
	DeleteContent(ctx context.Context, id string) error

	// UseMiddleware installs fn on methodName per the append-only chain
	// described in package middleware.go.
	UseMiddleware(methodName string, fn MiddlewareFunc) error
}

// Method name constants; engines key their per-method installation off
// these rather than free-form strings.
const (
	MethodGet               = "get"
	MethodExists            = "exists"
	MethodCount             = "count"
	MethodListIds           = "listIds"
	MethodGetMany           = "getMany"
	MethodGetAll            = "getAll"
	MethodPage              = "page"
	MethodList              = "list"
	MethodQuery             = "query"
	MethodGetFromPartition  = "getFromPartition"
	MethodContent           = "content"
	MethodHasContent        = "hasContent"
	MethodInsert            = "insert"
	MethodUpdate            = "update"
	MethodPatch             = "patch"
	MethodDelete            = "delete"
	MethodDeleteMany        = "deleteMany"
	MethodReplace           = "replace"
	MethodSetContent        = "setContent"
	MethodDeleteContent     = "deleteContent"
)

// ReadMethods is the fixed set the cache engine installs read-through
// middleware on.
var ReadMethods = []string{
	MethodCount, MethodListIds, MethodGetMany, MethodGetAll, MethodPage,
	MethodList, MethodGet, MethodExists, MethodContent, MethodHasContent,
	MethodQuery, MethodGetFromPartition,
}

// WriteMethods is the fixed set the cache engine installs
// invalidation middleware on.
var WriteMethods = []string{
	MethodInsert, MethodUpdate, MethodDelete, MethodDeleteMany,
	MethodSetContent, MethodDeleteContent, MethodReplace,
}
