package model

import "github.com/oklog/ulid/v2"

// NewID returns a new run identifier. ULIDs sort lexically by creation time,
// which keeps ids stable across restarts where job ids start over at 1.
func NewID() string {
	return ulid.Make().String()
}
