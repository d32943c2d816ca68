package client

import "errors"

// ErrNotFound is returned when the requested point does not exist on the
// queried node.
var ErrNotFound = errors.New("not found")
