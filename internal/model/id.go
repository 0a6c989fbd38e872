package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an entity identifier.
// ULIDs sort lexically in creation order, which the stores rely on for
// oldest-first claiming.
func NewID() string {
	return ulid.Make().String()
}
