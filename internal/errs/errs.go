// Package errs defines the error kinds shared by the cache, loader and
// scheduler so callers can branch on failure class without string matching.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind classifies a failure.
type Kind uint8

const (
	Other Kind = iota
	IO
	NotFound
	InvalidFormat
	CapacityExceeded
	DependencyViolation
	ComputeFailure
	InvalidArgument
	Closed
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "i/o error"
	case NotFound:
		return "not found"
	case InvalidFormat:
		return "invalid format"
	case CapacityExceeded:
		return "capacity exceeded"
	case DependencyViolation:
		return "dependency violation"
	case ComputeFailure:
		return "compute failure"
	case InvalidArgument:
		return "invalid argument"
	case Closed:
		return "closed"
	default:
		return "error"
	}
}

// NoLayer marks an error that is not tied to a specific layer.
const NoLayer = -1

// Error carries the operation, kind and (optionally) the layer or node a
// failure relates to.
type Error struct {
	Op    string
	Kind  Kind
	Layer int
	Node  string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Layer >= 0 {
		b.WriteString("layer ")
		b.WriteString(strconv.Itoa(e.Layer))
		b.WriteString(": ")
	}
	if e.Node != "" {
		b.WriteString("node ")
		b.WriteString(strconv.Quote(e.Node))
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a message.
func New(op string, kind Kind, msg string) error {
	return &Error{Op: op, Kind: kind, Layer: NoLayer, Err: errors.New(msg)}
}

// Wrap wraps err with an operation and kind. A nil err stays nil.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Layer: NoLayer, Err: err}
}

// Layer returns a layer-scoped error. err may be nil.
func Layer(op string, kind Kind, layer uint32, err error) error {
	return &Error{Op: op, Kind: kind, Layer: int(layer), Err: err}
}

// Node returns an execution-node-scoped error.
func Node(op string, kind Kind, node string, err error) error {
	return &Error{Op: op, Kind: kind, Layer: NoLayer, Node: node, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

func IsIO(err error) bool { return KindOf(err) == IO }
func IsNotFound(err error) bool { return KindOf(err) == NotFound }
func IsInvalidFormat(err error) bool { return KindOf(err) == InvalidFormat }
func IsInvalidArgument(err error) bool { return KindOf(err) == InvalidArgument }
func IsComputeFailure(err error) bool { return KindOf(err) == ComputeFailure }
func IsClosed(err error) bool { return KindOf(err) == Closed }

// IsCapacityExceeded reports whether err means a memory budget or cache
// capacity could not be met.
func IsCapacityExceeded(err error) bool { return KindOf(err) == CapacityExceeded }

// IsDependencyViolation reports whether err is a dependency-graph failure,
// such as a cycle or an unload blocked by a loaded dependent.
func IsDependencyViolation(err error) bool { return KindOf(err) == DependencyViolation }
