package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string for workflow, task, and trace
// identifiers. ULIDs sort by creation time, which keeps the speculation
// audit log naturally ordered.
func NewID() string {
	return ulid.Make().String()
}
