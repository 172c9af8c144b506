// Package store holds the repository layer: posts, dispatch requests,
// workspace membership and connected accounts, all over database/sql with
// conditional single-statement writes so concurrent editors and engine
// workers cannot silently overwrite each other.
package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrStaleWrite is returned when a conditional write matched no rows because
// the observed status or generation is no longer current. Callers should
// re-read and retry, or surface a conflict; it is never a terminal failure.
var ErrStaleWrite = errors.New("store: stale write")

// Stores bundles the repositories sharing one *sql.DB.
type Stores struct {
	Posts    *PostStore
	Dispatch *DispatchStore
	Members  *MembershipStore
	Accounts *AccountStore
}

// New wires all repositories over db.
func New(db *sql.DB) *Stores {
	return &Stores{
		Posts:    &PostStore{db: db},
		Dispatch: &DispatchStore{db: db},
		Members:  &MembershipStore{db: db},
		Accounts: &AccountStore{db: db},
	}
}
