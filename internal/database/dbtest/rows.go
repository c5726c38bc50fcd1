package dbtest

// view is a keyed table as seen by one store: either the committed rows or a
// transaction's overlay on top of them.
type view[K comparable, V any] interface {
	get(k K) (V, bool)
	put(k K, v V)
	del(k K)
	list() []V
}

type rows[K comparable, V any] struct {
	data map[K]V
	keys []K
}

func newRows[K comparable, V any]() *rows[K, V] {
	return &rows[K, V]{data: make(map[K]V)}
}

func (r *rows[K, V]) get(k K) (V, bool) {
	v, ok := r.data[k]
	return v, ok
}

func (r *rows[K, V]) put(k K, v V) {
	if _, ok := r.data[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.data[k] = v
}

func (r *rows[K, V]) del(k K) {
	if _, ok := r.data[k]; !ok {
		return
	}
	delete(r.data, k)
	for i, key := range r.keys {
		if key == k {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// list returns rows in insertion order.
func (r *rows[K, V]) list() []V {
	out := make([]V, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.data[k])
	}
	return out
}

type overlay[K comparable, V any] struct {
	base *rows[K, V]
	puts *rows[K, V]
	dels map[K]bool
}

func newOverlay[K comparable, V any](base *rows[K, V]) *overlay[K, V] {
	return &overlay[K, V]{base: base, puts: newRows[K, V](), dels: make(map[K]bool)}
}

func (o *overlay[K, V]) get(k K) (V, bool) {
	if o.dels[k] {
		var zero V
		return zero, false
	}
	if v, ok := o.puts.get(k); ok {
		return v, true
	}
	return o.base.get(k)
}

func (o *overlay[K, V]) put(k K, v V) {
	delete(o.dels, k)
	o.puts.put(k, v)
}

func (o *overlay[K, V]) del(k K) {
	o.puts.del(k)
	o.dels[k] = true
}

func (o *overlay[K, V]) list() []V {
	out := make([]V, 0, len(o.base.keys)+len(o.puts.keys))
	for _, k := range o.base.keys {
		if o.dels[k] {
			continue
		}
		if v, ok := o.puts.get(k); ok {
			out = append(out, v)
			continue
		}
		out = append(out, o.base.data[k])
	}
	for _, k := range o.puts.keys {
		if _, inBase := o.base.data[k]; !inBase {
			out = append(out, o.puts.data[k])
		}
	}
	return out
}

func (o *overlay[K, V]) commit() {
	for k := range o.dels {
		o.base.del(k)
	}
	for _, k := range o.puts.keys {
		o.base.put(k, o.puts.data[k])
	}
}
