package source

import "github.com/pkg/errors"

// ErrUnsupported is returned by position constructors a Source cannot
// honor (e.g. a source with no notion of wall-clock time).
var ErrUnsupported = errors.New("source: operation not supported")
