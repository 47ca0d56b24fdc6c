// Package objectstore provides the backends the remote cache tier keeps its values in.
package objectstore

import "errors"

// ErrObjectNotFound is returned when no object exists under a name.
var ErrObjectNotFound = errors.New("object not found")
