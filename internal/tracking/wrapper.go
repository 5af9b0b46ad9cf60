package tracking

import (
	"fmt"
	"reflect"
)

// Change describes one tracked field whose live value differs from the
// snapshot.
type Change struct {
	Field string
	Old   any
	New   any
}

// Option configures a Wrapper.
type Option func(*options)

type options struct {
	exclude map[string]bool
}

// Exclude removes the named fields from tracking. Use it for derived or
// storage-managed fields that are not tagged on the struct itself.
func Exclude(fields ...string) Option {
	return func(o *options) {
		for _, f := range fields {
			o.exclude[f] = true
		}
	}
}

type field struct {
	index int
	name  string
}

// Wrapper tracks changes to a struct of type T.
type Wrapper[T any] struct {
	live     *T
	snapshot T
	fields   []field
}

// Wrap snapshots obj and returns a Wrapper around it. obj must be a non-nil
// pointer to a struct; anything else is a programming error and panics.
func Wrap[T any](obj *T, opts ...Option) *Wrapper[T] {
	if obj == nil {
		panic("tracking: Wrap called with nil object")
	}
	rt := reflect.TypeOf(obj).Elem()
	if rt.Kind() != reflect.Struct {
		panic(fmt.Sprintf("tracking: Wrap needs a struct, got %s", rt.Kind()))
	}

	o := options{exclude: make(map[string]bool)}
	for _, opt := range opts {
		opt(&o)
	}

	w := &Wrapper[T]{live: obj}
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() || sf.Tag.Get("track") == "-" || o.exclude[sf.Name] {
			continue
		}
		w.fields = append(w.fields, field{index: i, name: sf.Name})
	}
	w.Reset()
	return w
}

// Live returns the wrapped object.
func (w *Wrapper[T]) Live() *T {
	return w.live
}

// Fields returns the tracked field names in declaration order.
func (w *Wrapper[T]) Fields() []string {
	names := make([]string, len(w.fields))
	for i, f := range w.fields {
		names[i] = f.name
	}
	return names
}

// Reset takes a fresh snapshot of the live object.
func (w *Wrapper[T]) Reset() {
	lv := reflect.ValueOf(w.live).Elem()
	sv := reflect.ValueOf(&w.snapshot).Elem()
	for _, f := range w.fields {
		sv.Field(f.index).Set(deepCopy(lv.Field(f.index)))
	}
}

// IsChanged reports whether any tracked field differs from the snapshot.
func (w *Wrapper[T]) IsChanged() bool {
	lv := reflect.ValueOf(w.live).Elem()
	sv := reflect.ValueOf(&w.snapshot).Elem()
	for _, f := range w.fields {
		if !reflect.DeepEqual(lv.Field(f.index).Interface(), sv.Field(f.index).Interface()) {
			return true
		}
	}
	return false
}

// Changes returns every tracked field whose live value differs from the
// snapshot, in declaration order. The result is empty iff IsChanged is false.
func (w *Wrapper[T]) Changes() []Change {
	lv := reflect.ValueOf(w.live).Elem()
	sv := reflect.ValueOf(&w.snapshot).Elem()
	var changes []Change
	for _, f := range w.fields {
		cur := lv.Field(f.index)
		orig := sv.Field(f.index)
		if reflect.DeepEqual(cur.Interface(), orig.Interface()) {
			continue
		}
		changes = append(changes, Change{
			Field: f.name,
			Old:   deepCopy(orig).Interface(),
			New:   deepCopy(cur).Interface(),
		})
	}
	return changes
}

// Changed reports whether the named field differs from the snapshot.
// Untracked or unknown names report false.
func (w *Wrapper[T]) Changed(name string) bool {
	for _, c := range w.Changes() {
		if c.Field == name {
			return true
		}
	}
	return false
}

// Revert copies every snapshot value back onto the live object. Only fields
// that differ are written.
func (w *Wrapper[T]) Revert() {
	lv := reflect.ValueOf(w.live).Elem()
	sv := reflect.ValueOf(&w.snapshot).Elem()
	for _, f := range w.fields {
		cur := lv.Field(f.index)
		orig := sv.Field(f.index)
		if !reflect.DeepEqual(cur.Interface(), orig.Interface()) {
			cur.Set(deepCopy(orig))
		}
	}
}

// deepCopy duplicates pointers, slices and maps so the snapshot never
// aliases storage reachable from the live object.
func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		cp := reflect.New(v.Type().Elem())
		cp.Elem().Set(deepCopy(v.Elem()))
		return cp
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		cp := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			cp.Index(i).Set(deepCopy(v.Index(i)))
		}
		return cp
	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		cp := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			cp.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return cp
	default:
		return v
	}
}
