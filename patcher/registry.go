package patcher

import (
	"encoding/binary"
	"math"

	"github.com/grailbio/npypatch/npyhdr"
)

// Elem is the closed set of element types the typed adapter layer binds to.
// Adding a type here requires a matching entry in kindOf and elemSize.
type Elem interface {
	int32 | int64 | float32 | float64
}

// kindOf returns the npyhdr.Kind a Patcher[T] must require of the files it
// opens, and elemSize its size in bytes. Both are resolved once, at
// construction, from the zero value of T.
func kindOf[T Elem]() npyhdr.Kind {
	var zero T
	switch any(zero).(type) {
	case int32:
		return npyhdr.KindInt32
	case int64:
		return npyhdr.KindInt64
	case float32:
		return npyhdr.KindFloat32
	case float64:
		return npyhdr.KindFloat64
	default:
		panic("patcher: unreachable: Elem constraint admits only the four registered kinds")
	}
}

func elemSize[T Elem]() int64 {
	var zero T
	switch any(zero).(type) {
	case int32, float32:
		return 4
	case int64, float64:
		return 8
	default:
		panic("patcher: unreachable: Elem constraint admits only the four registered kinds")
	}
}

// decodeInto reinterprets raw (a byte buffer exactly len(out)*elemSize(T)
// bytes long, in the given byte order) into out. Using encoding/binary here (rather
// than an unsafe slice-header cast) costs one copy per element but keeps the
// typed adapter layer free of unsafe and portable across host byte orders.
func decodeInto[T Elem](raw []byte, order binary.ByteOrder, out []T) {
	for i := range out {
		switch p := any(&out[i]).(type) {
		case *int32:
			*p = int32(order.Uint32(raw[i*4:]))
		case *int64:
			*p = int64(order.Uint64(raw[i*8:]))
		case *float32:
			*p = math.Float32frombits(order.Uint32(raw[i*4:]))
		case *float64:
			*p = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
	}
}
