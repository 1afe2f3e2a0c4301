package thriftapi

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"fleet-dispatch/internal/domain"
)

// fields holds a decoded struct keyed by field id. Nested structs decode to
// fields and lists to []any.
type fields map[int16]any

func (f fields) str(id int16) string {
	v, _ := f[id].(string)
	return v
}

func (f fields) float(id int16) (float64, bool) {
	v, ok := f[id].(float64)
	return v, ok
}

func (f fields) has(id int16) bool {
	_, ok := f[id]
	return ok
}

// location reads a lat/lon/address triple, reporting absent coordinates.
func (f fields) location(latID, lonID, addrID int16, prefix string, verr *domain.ValidationError) (domain.Location, *domain.ValidationError) {
	lat, latOK := f.float(latID)
	lon, lonOK := f.float(lonID)
	if !latOK {
		verr = verr.Add(prefix+"lat", "required")
	}
	if !lonOK {
		verr = verr.Add(prefix+"lon", "required")
	}
	return domain.Location{Lat: lat, Lng: lon, Address: f.str(addrID)}, verr
}

func (f fields) i64(id int16) (int64, bool) {
	switch v := f[id].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	}
	return 0, false
}

func (f fields) boolean(id int16) bool {
	v, _ := f[id].(bool)
	return v
}

func (f fields) nested(id int16) fields {
	v, _ := f[id].(fields)
	return v
}

func (f fields) list(id int16) []any {
	v, _ := f[id].([]any)
	return v
}

func (f fields) time(id int16) *time.Time {
	v, ok := f.i64(id)
	if !ok {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

func readStruct(ctx context.Context, in thrift.TProtocol) (fields, error) {
	if _, err := in.ReadStructBegin(ctx); err != nil {
		return nil, err
	}
	out := fields{}
	for {
		_, fieldType, fieldID, err := in.ReadFieldBegin(ctx)
		if err != nil {
			return nil, err
		}
		if fieldType == thrift.STOP {
			break
		}
		v, err := readValue(ctx, in, fieldType)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[fieldID] = v
		}
		if err := in.ReadFieldEnd(ctx); err != nil {
			return nil, err
		}
	}
	return out, in.ReadStructEnd(ctx)
}

func readValue(ctx context.Context, in thrift.TProtocol, t thrift.TType) (any, error) {
	switch t {
	case thrift.STRING:
		return in.ReadString(ctx)
	case thrift.DOUBLE:
		return in.ReadDouble(ctx)
	case thrift.I64:
		return in.ReadI64(ctx)
	case thrift.I32:
		return in.ReadI32(ctx)
	case thrift.BOOL:
		return in.ReadBool(ctx)
	case thrift.STRUCT:
		return readStruct(ctx, in)
	case thrift.LIST:
		elem, size, err := in.ReadListBegin(ctx)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, size)
		for range size {
			v, err := readValue(ctx, in, elem)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, in.ReadListEnd(ctx)
	default:
		return nil, in.Skip(ctx, t)
	}
}

// writer emits a struct field by field and keeps the first error, so the
// reply builders read as a flat list of fields.
type writer struct {
	ctx context.Context
	out thrift.TProtocol
	err error
}

func (w *writer) do(fn func() error) {
	if w.err == nil {
		w.err = fn()
	}
}

func (w *writer) begin(name string) {
	w.do(func() error { return w.out.WriteStructBegin(w.ctx, name) })
}

func (w *writer) end() {
	w.do(func() error { return w.out.WriteFieldStop(w.ctx) })
	w.do(func() error { return w.out.WriteStructEnd(w.ctx) })
}

func (w *writer) field(name string, t thrift.TType, id int16, value func() error) {
	w.do(func() error { return w.out.WriteFieldBegin(w.ctx, name, t, id) })
	w.do(value)
	w.do(func() error { return w.out.WriteFieldEnd(w.ctx) })
}

func (w *writer) str(id int16, name, v string) {
	w.field(name, thrift.STRING, id, func() error { return w.out.WriteString(w.ctx, v) })
}

func (w *writer) optStr(id int16, name string, v *string) {
	if v != nil {
		w.str(id, name, *v)
	}
}

func (w *writer) float(id int16, name string, v float64) {
	w.field(name, thrift.DOUBLE, id, func() error { return w.out.WriteDouble(w.ctx, v) })
}

func (w *writer) i64(id int16, name string, v int64) {
	w.field(name, thrift.I64, id, func() error { return w.out.WriteI64(w.ctx, v) })
}

func (w *writer) boolean(id int16, name string, v bool) {
	w.field(name, thrift.BOOL, id, func() error { return w.out.WriteBool(w.ctx, v) })
}

func (w *writer) timestamp(id int16, name string, v *time.Time) {
	if v != nil {
		w.i64(id, name, v.Unix())
	}
}

func (w *writer) strct(id int16, name string, body func()) {
	w.field(name, thrift.STRUCT, id, func() error {
		body()
		return w.err
	})
}

func (w *writer) structList(id int16, name string, n int, item func(i int)) {
	w.field(name, thrift.LIST, id, func() error {
		w.do(func() error { return w.out.WriteListBegin(w.ctx, thrift.STRUCT, n) })
		for i := range n {
			item(i)
		}
		w.do(func() error { return w.out.WriteListEnd(w.ctx) })
		return w.err
	})
}

func (w *writer) Err() error {
	if w.err != nil {
		return fmt.Errorf("write reply: %w", w.err)
	}
	return nil
}
