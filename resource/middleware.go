package resource

import "context"

// NextFunc is what a middleware calls to continue the chain: either the
// next installed middleware or, at the bottom, the resource's original
// handler for that method.
type NextFunc func(ctx context.Context, args ...interface{}) (interface{}, error)

// MiddlewareFunc is a per-method middleware taking (next, args) and
// returning a result. A middleware that does not call next interrupts the
// chain.
type MiddlewareFunc func(next NextFunc, ctx context.Context, args ...interface{}) (interface{}, error)

// PostWrapper runs after the original handler completes; multiple
// wrappers for one method compose in insertion order (wrapResourceMethod).
type PostWrapper func(result interface{}, args []interface{}, methodName string) (interface{}, error)

// chain holds the ordered middleware and post-wrappers for one method name.
// Registration is append-only; invocation order is deterministic.
type chain struct {
	method      string
	original    NextFunc
	middlewares []MiddlewareFunc
	wrappers    []PostWrapper
}

// use appends fn to the chain's middleware list. Idempotent calls with the
// same fn value are not deduplicated here; that guarantee belongs to
// plugin.Base.WrapResourceMethod for post-wrappers (addWrapper itself
// appends unconditionally), since middleware closures are rarely
// comparable.
func (c *chain) use(fn MiddlewareFunc) {
	c.middlewares = append(c.middlewares, fn)
}

func (c *chain) addWrapper(w PostWrapper) {
	c.wrappers = append(c.wrappers, w)
}

// invoke builds the composed handler from c.middlewares (first registered
// is outermost) wrapping c.original at the bottom, runs it, then
// feeds the result through every registered post-wrapper in insertion
// order.
func (c *chain) invoke(ctx context.Context, args ...interface{}) (interface{}, error) {
	next := c.original
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		mw := c.middlewares[i]
		prevNext := next
		next = func(ctx context.Context, args ...interface{}) (interface{}, error) {
			return mw(prevNext, ctx, args...)
		}
	}

	result, err := next(ctx, args...)
	if err != nil {
		return result, err
	}
	for _, w := range c.wrappers {
		result, err = w(result, args, c.method)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// registry holds one chain per method name for a single resource.
type registry struct {
	chains map[string]*chain
}

func newRegistry() *registry {
	return &registry{chains: make(map[string]*chain)}
}

func (r *registry) chain(method string) *chain {
	c, ok := r.chains[method]
	if !ok {
		c = &chain{method: method}
		r.chains[method] = c
	}
	return c
}

func (r *registry) bind(method string, original NextFunc) *chain {
	c := r.chain(method)
	c.original = original
	return c
}

func (r *registry) use(method string, fn MiddlewareFunc) {
	r.chain(method).use(fn)
}

func (r *registry) addWrapper(method string, w PostWrapper) {
	r.chain(method).addWrapper(w)
}
