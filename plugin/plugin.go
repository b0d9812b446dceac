// Package plugin implements the plugin runtime: lifecycle, middleware
// registration, hook registry, slug/namespace derivation, and
// scheduled-cron tracking that every engine (cache, TTL, state machine) and
// the supplemented backup and inventory plugins embed. The queueconsumer
// package does not embed it.
package plugin

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"s3db.evalgo.org/cronsched"
	"s3db.evalgo.org/errs"
	"s3db.evalgo.org/eventbus"
	"s3db.evalgo.org/pluginstore"
	"s3db.evalgo.org/resource"
)

// Database is the host a plugin installs into: the minimal surface the
// plugin runtime needs from whatever owns the resources and the shared
// infrastructure. A production host implements this over its own resource
// registry; cmd/s3dbengine's demo wiring implements it directly over
// resource.ObjectStoreResource.
type Database interface {
	Resource(name string) (resource.Resource, bool)
	CreateResource(schema resource.Schema) (resource.Resource, error)
	Bus() *eventbus.Bus
	Scheduler() cronsched.Scheduler
	PluginStore(slug string) *pluginstore.Store
}

// Lifecycle is the public surface every plugin exposes.
type Lifecycle interface {
	Install(ctx context.Context, db Database) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Uninstall(ctx context.Context, purgeData bool) error
}

// Hook is a handler registered against (resource, event).
type Hook func(ctx context.Context, ev eventbus.Event)

type state int

const (
	stateNew state = iota
	stateInstalled
	stateStarted
	stateStopped
)

// Base is embedded by every concrete plugin. It derives slug/namespace,
// owns the plugin's storage, tracks every cron job and hook subscription it
// registered so Stop/Uninstall can tear them down deterministically, and
// exposes addMiddleware/wrapResourceMethod/addHook/scheduleCron.
type Base struct {
	Slug        string
	Namespace   string
	InstanceKey string

	db      Database
	storage *pluginstore.Store
	log     *logrus.Entry

	mu            sync.Mutex
	state         state
	cronJobs      []cronsched.Job
	subscriptions []*eventbus.Subscription
	wrapperSeen   map[string]map[uintptr]bool // resourceName.method -> wrapper identity set
}

// ClassName derives slug/namespace by stripping a trailing "Plugin" token
// and converting CamelCase to kebab-case.
func ClassName(name string) string {
	name = strings.TrimSuffix(name, "Plugin")
	runes := []rune(name)
	var out strings.Builder
	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			prevUpper := runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			// Break before a new word ("StateMachine") and at the end of an
			// acronym run ("TTLIndex" -> ttl-index), but not inside one
			// ("TTL" stays ttl).
			if prevLower || (prevUpper && nextLower) {
				out.WriteByte('-')
			}
		}
		out.WriteRune(r)
	}
	return strings.ToLower(out.String())
}

var kebabRE = regexp.MustCompile(`[^a-z0-9-]+`)

// NewBase constructs a Base for a plugin whose Go type name is className.
// The slug is ClassName(className), so "CachePlugin" yields "cache"; an
// already-derived kebab-case slug passes through unchanged.
func NewBase(className, namespace, instanceKey string) *Base {
	slug := kebabRE.ReplaceAllString(ClassName(className), "-")
	return &Base{
		Slug:        slug,
		Namespace:   namespace,
		InstanceKey: instanceKey,
		log:         logrus.WithField("plugin_slug", slug),
		wrapperSeen: make(map[string]map[uintptr]bool),
	}
}

// ResourceName rewrites base per the namespace rule: plg_<namespace>_<base>
// when a namespace is set, else plg_<base>.
func (b *Base) ResourceName(base string) string {
	if b.Namespace != "" {
		return fmt.Sprintf("plg_%s_%s", b.Namespace, base)
	}
	return fmt.Sprintf("plg_%s", base)
}

// SetNamespace reconfigures the namespace and emits an event so downstream
// caches drop stale references to names that depended on it.
func (b *Base) SetNamespace(ns string) {
	b.Namespace = ns
	if b.db != nil {
		b.db.Bus().Publish(eventbus.Event{
			Name: eventbus.PluginEvent(b.Slug, "namespace-changed"),
			Data: ns,
		})
	}
}

// Install binds db, calls onInstall, and emits before/after events. If
// onInstall fails no middleware registered by it survives: onInstall is
// expected to register resources and middleware only
// after its own preconditions succeed, so a failure here means nothing was
// left half-wired; this implementation does not attempt to roll back
// partial registrations beyond that convention.
func (b *Base) Install(ctx context.Context, db Database, onInstall func(context.Context) error) error {
	b.mu.Lock()
	if b.state != stateNew {
		b.mu.Unlock()
		return errs.New(errs.ConfigurationInvalid, b.Slug, "Install", fmt.Errorf("already installed"))
	}
	b.db = db
	b.storage = db.PluginStore(b.Slug)
	b.mu.Unlock()

	db.Bus().Publish(eventbus.Event{Name: eventbus.PluginEvent(b.Slug, "beforeInstall")})
	if err := onInstall(ctx); err != nil {
		return err
	}
	db.Bus().Publish(eventbus.Event{Name: eventbus.PluginEvent(b.Slug, "afterInstall")})

	b.mu.Lock()
	b.state = stateInstalled
	b.mu.Unlock()
	return nil
}

// Start transitions installed -> started.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateInstalled && b.state != stateStopped {
		return errs.New(errs.ConfigurationInvalid, b.Slug, "Start", fmt.Errorf("not installed"))
	}
	b.state = stateStarted
	return nil
}

// Stop tears down every cron job this plugin registered and every event
// subscription it made, then transitions to stopped.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, j := range b.cronJobs {
		j.Stop()
	}
	b.cronJobs = nil

	for _, s := range b.subscriptions {
		s.Unsubscribe()
	}
	b.subscriptions = nil

	b.state = stateStopped
	return nil
}

// Uninstall releases plugin storage; when purgeData is set, every key under
// plg/<slug>/ is deleted.
func (b *Base) Uninstall(ctx context.Context, purgeData bool) error {
	if err := b.Stop(ctx); err != nil {
		return err
	}
	if purgeData && b.storage != nil {
		keys, err := b.storage.List(ctx, "")
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.storage.Delete(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Storage returns the plugin's lazily-bound PluginStorage instance.
func (b *Base) Storage() *pluginstore.Store { return b.storage }

// DB returns the bound Database, or nil before Install.
func (b *Base) DB() Database { return b.db }

// AddMiddleware installs a chainable middleware on res/methodName: the
// first call wraps the original, subsequent calls append.
func (b *Base) AddMiddleware(res resource.Resource, methodName string, fn resource.MiddlewareFunc) error {
	return res.UseMiddleware(methodName, fn)
}

// wrappable is implemented by concrete resources (resource.ObjectStoreResource
// does) that support post-hook wrapping in addition to plain middleware.
type wrappable interface {
	WrapResourceMethod(methodName string, w resource.PostWrapper)
}

// WrapResourceMethod installs a post-hook wrapper on res/methodName.
// Calling it twice with the same wrapper function value is a no-op on the
// second call; identity is compared by
// function pointer, which only dedupes named functions, not closures; a
// caller relying on closures-as-wrappers accepts re-registration on repeat
// calls.
func (b *Base) WrapResourceMethod(res resource.Resource, methodName string, w resource.PostWrapper) error {
	wr, ok := res.(wrappable)
	if !ok {
		return fmt.Errorf("plugin: resource %s does not support wrapResourceMethod", res.Name())
	}

	key := res.Name() + "." + methodName
	ptr := reflect.ValueOf(w).Pointer()

	b.mu.Lock()
	seen, ok := b.wrapperSeen[key]
	if !ok {
		seen = make(map[uintptr]bool)
		b.wrapperSeen[key] = seen
	}
	already := seen[ptr]
	seen[ptr] = true
	b.mu.Unlock()

	if already {
		return nil
	}
	wr.WrapResourceMethod(methodName, w)
	return nil
}

// AddHook subscribes handler to ev (a plg:<slug>:* or db:* event name) and
// tracks the subscription for teardown on Stop.
func (b *Base) AddHook(ev string, handler Hook) {
	sub := b.db.Bus().Subscribe(ev, func(e eventbus.Event) {
		handler(context.Background(), e)
	})
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	b.mu.Unlock()
}

// ScheduleCron registers a cron job tracked on the plugin; it is stopped
// automatically when Stop runs.
func (b *Base) ScheduleCron(expr string, fn func(), opts cronsched.Options) (cronsched.Job, error) {
	job, err := b.db.Scheduler().Schedule(expr, fn, opts)
	if err != nil {
		return nil, errs.New(errs.ConfigurationInvalid, b.Slug, "ScheduleCron", err)
	}
	b.mu.Lock()
	b.cronJobs = append(b.cronJobs, job)
	b.mu.Unlock()
	return job, nil
}

// Emit publishes a plugin-scoped event.
func (b *Base) Emit(event string, data interface{}) {
	b.db.Bus().Publish(eventbus.Event{Name: eventbus.PluginEvent(b.Slug, event), Data: data})
}
