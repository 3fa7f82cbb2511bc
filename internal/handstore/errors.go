package handstore

import "errors"

// ErrNotFound is returned when a hand execution, hand state row, or
// approval lookup finds nothing.
var ErrNotFound = errors.New("handstore: not found")
