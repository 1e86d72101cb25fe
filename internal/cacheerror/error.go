package cacheerror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// A Kind classifies the failures surfaced by the cache operations.
type Kind int

const (
	// Unknown is the kind of errors that have not been classified.
	Unknown Kind = iota
	// Invalid is a malformed argument such as a bad snapshot name.
	Invalid
	// LocalIO is an unreadable or unwritable local path.
	LocalIO
	// EntryKind is a filesystem entry of the wrong kind (e.g. a directory where a file is required).
	EntryKind
	// Store is an object store operation that failed after retries.
	Store
	// NotFound is a missing snapshot or key.
	NotFound
	// Corruption is a manifest referencing a blob that is missing or does not match its digest.
	Corruption
	// ManifestFormat is an unparsable manifest or an unsupported manifest version.
	ManifestFormat
)

var names = map[Kind]string{
	Unknown:        "unknown error",
	Invalid:        "invalid argument",
	LocalIO:        "local I/O error",
	EntryKind:      "entry kind error",
	Store:          "store error",
	NotFound:       "not found",
	Corruption:     "corruption error",
	ManifestFormat: "manifest format error",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return names[Unknown]
}

// ExitCode returns the process exit code associated to the kind.
func (k Kind) ExitCode() int {
	switch k {
	case Invalid:
		return 2
	case LocalIO:
		return 3
	case EntryKind:
		return 4
	case Store:
		return 5
	case NotFound:
		return 6
	case Corruption:
		return 7
	case ManifestFormat:
		return 8
	default:
		return 1
	}
}

// HTTPCode returns the HTTP status used to render the kind.
func (k Kind) HTTPCode() int {
	switch k {
	case Invalid, EntryKind:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Corruption, ManifestFormat:
		return http.StatusUnprocessableEntity
	case Store:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure of the operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns a new Error of the given kind.
func New(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// Newf returns a new Error of the given kind with a formatted message.
func Newf(kind Kind, op string, format string, args ...interface{}) error {
	return New(kind, op, errors.Errorf(format, args...))
}

// Error stringifies the error.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPCode returns the HTTP status code.
func (e *Error) HTTPCode() int {
	return e.Kind.HTTPCode()
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err has been classified with the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode returns the process exit code for err, 0 when err is nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
