// Package npyhdr parses the preamble of a NumPy .npy file: the magic bytes,
// format version, and the textual dict that describes the array's element
// type, storage order, and shape.
//
// The on-disk layout (all integers little-endian) is:
//
//	bytes 0:6   magic "\x93NUMPY"
//	byte  6     major version (1 or 2)
//	byte  7     minor version
//	bytes 8:N   descriptor length, uint16 for major==1, uint32 for major==2
//	bytes N:M   descriptor: a Python dict literal, e.g.
//	            "{'descr': '<f8', 'fortran_order': False, 'shape': (3, 4), }"
//	            padded with spaces and terminated with '\n' so that the total
//	            header length (magic+version+length field+descriptor) is a
//	            multiple of 64 bytes.
//	bytes M:    raw array data, row-major, native-sized elements.
package npyhdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// magic is the fixed 6-byte prefix of every .npy file.
var magic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}

const headerAlignment = 64

// Kind identifies the numeric type of an array element, independent of its
// byte order.
type Kind int

// Supported element kinds. These are the only kinds the patch reader's
// typed adapter layer binds to (see the patcher package's registry).
const (
	KindUnknown Kind = iota
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// descrToKind maps a NumPy type-descriptor code (without its byte-order
// mark) to a Kind.
var descrToKind = map[string]Kind{
	"i4": KindInt32,
	"i8": KindInt64,
	"f4": KindFloat32,
	"f8": KindFloat64,
}

// ByteOrder is the byte-order mark taken from the element-type descriptor.
type ByteOrder byte

// Recognized byte-order marks. '=' (native) is normalized to LittleEndian or
// BigEndian at parse time depending on the host, so callers that decode the
// array bytes only ever see an explicit order; this package does not swap
// bytes itself.
const (
	LittleEndian ByteOrder = '<'
	BigEndian    ByteOrder = '>'
	NotRelevant  ByteOrder = '|' // single-byte types: no byte order applies.
)

// Header is the parsed preamble of a .npy file.
type Header struct {
	// StreamStartBase is the absolute byte offset of the first array element,
	// i.e. the offset immediately following the header (header length is
	// always a multiple of 64 bytes).
	StreamStartBase int64
	// ElemSize is the size in bytes of one array element.
	ElemSize int64
	// Kind is the element's numeric kind.
	Kind Kind
	// ByteOrder is the element's byte-order mark.
	ByteOrder ByteOrder
	// Shape is the full on-disk shape, axis 0 first.
	Shape []int64
}

var descrFieldRe = regexp.MustCompile(`'descr'\s*:\s*'([<>|=])([a-zA-Z])(\d+)'`)
var fortranFieldRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
var shapeFieldRe = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)

// Parse reads and validates a .npy header from r, which must be positioned
// at the start of the file. Failures are returned as plain wrapped errors;
// the patcher package classifies an element-type mismatch as
// patcher.TypeMismatch and every other parse failure as
// patcher.HeaderInvalid.
func Parse(r io.Reader, wantKind Kind) (Header, error) {
	var h Header

	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return h, errors.Wrap(err, "npyhdr: read magic/version")
	}
	if !bytes.Equal(prefix[:6], magic) {
		return h, errors.Errorf("npyhdr: bad magic %x, want %x", prefix[:6], magic)
	}
	major, minor := prefix[6], prefix[7]
	if major != 1 && major != 2 {
		return h, errors.Errorf("npyhdr: unsupported major version %d (minor %d)", major, minor)
	}

	var descrLen uint32
	var lenFieldSize int
	switch major {
	case 1:
		lenFieldSize = 2
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return h, errors.Wrap(err, "npyhdr: read header length (v1)")
		}
		descrLen = uint32(v)
	case 2:
		lenFieldSize = 4
		if err := binary.Read(r, binary.LittleEndian, &descrLen); err != nil {
			return h, errors.Wrap(err, "npyhdr: read header length (v2)")
		}
	}

	descrBytes := make([]byte, descrLen)
	if _, err := io.ReadFull(r, descrBytes); err != nil {
		return h, errors.Wrap(err, "npyhdr: read descriptor")
	}
	descr := string(descrBytes)

	order, kind, elemSize, err := parseDescr(descr)
	if err != nil {
		return h, err
	}
	if wantKind != KindUnknown && kind != wantKind {
		return h, errors.Errorf("npyhdr: element type %v does not match requested type %v", kind, wantKind)
	}

	fortran, err := parseFortranOrder(descr)
	if err != nil {
		return h, err
	}
	if fortran {
		return h, errors.Errorf("npyhdr: column-major (fortran_order=True) files are not supported")
	}

	shape, err := parseShape(descr)
	if err != nil {
		return h, err
	}
	if len(shape) < 2 {
		return h, errors.Errorf("npyhdr: shape rank %d must be >= 2 (leading axis plus at least one spatial axis)", len(shape))
	}

	headerLen := 8 + lenFieldSize + int(descrLen)
	if rem := headerLen % headerAlignment; rem != 0 {
		// Defensive: well-formed files always pad the descriptor itself so
		// that this is already a multiple of 64; a mismatch here indicates a
		// corrupt or foreign file rather than a caller error worth silently
		// rounding past.
		return h, errors.Errorf("npyhdr: header length %d is not a multiple of %d bytes", headerLen, headerAlignment)
	}

	h.StreamStartBase = int64(headerLen)
	h.ElemSize = elemSize
	h.Kind = kind
	h.ByteOrder = order
	h.Shape = shape
	return h, nil
}

func parseDescr(descr string) (ByteOrder, Kind, int64, error) {
	m := descrFieldRe.FindStringSubmatch(descr)
	if m == nil {
		return 0, KindUnknown, 0, errors.Errorf("npyhdr: missing or malformed 'descr' field in %q", descr)
	}
	order := ByteOrder(m[1][0])
	if order == '=' {
		order = LittleEndian
		if binary.NativeEndian.Uint16([]byte{0, 1}) == 1 {
			order = BigEndian
		}
	}
	code := m[2] + m[3]
	kind, ok := descrToKind[code]
	if !ok {
		return 0, KindUnknown, 0, errors.Errorf("npyhdr: unsupported element descriptor %q", m[0])
	}
	size, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return 0, KindUnknown, 0, errors.Wrap(err, "npyhdr: parse element size")
	}
	return order, kind, size, nil
}

func parseFortranOrder(descr string) (bool, error) {
	m := fortranFieldRe.FindStringSubmatch(descr)
	if m == nil {
		return false, errors.Errorf("npyhdr: missing or malformed 'fortran_order' field in %q", descr)
	}
	return m[1] == "True", nil
}

func parseShape(descr string) ([]int64, error) {
	m := shapeFieldRe.FindStringSubmatch(descr)
	if m == nil {
		return nil, errors.Errorf("npyhdr: missing or malformed 'shape' field in %q", descr)
	}
	fields := strings.Split(m[1], ",")
	shape := make([]int64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "npyhdr: parse shape field %q", f)
		}
		shape = append(shape, v)
	}
	return shape, nil
}

// String implements fmt.Stringer, mainly for debug logging.
func (h Header) String() string {
	return fmt.Sprintf("npyhdr.Header{StreamStartBase:%d ElemSize:%d Kind:%v ByteOrder:%c Shape:%v}",
		h.StreamStartBase, h.ElemSize, h.Kind, h.ByteOrder, h.Shape)
}
