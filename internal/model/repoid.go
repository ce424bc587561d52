package model

import (
	"fmt"
	"strconv"
	"strings"
)

// RepoKey is the internal numeric key of a registered repository.
// It is the only value used as a foreign key and is never exposed outside the store.
type RepoKey int64

// String renders the key in decimal.
func (k RepoKey) String() string {
	return strconv.FormatInt(int64(k), 10)
}

// RepoID is the logical "owner/name" identifier of a hosted repository.
type RepoID string

// ParseRepoID validates s as "owner/name".
func ParseRepoID(s string) (RepoID, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRepoID, s)
	}
	if strings.TrimSpace(owner) != owner || strings.TrimSpace(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidRepoID, s)
	}
	return RepoID(s), nil
}

// NewRepoID builds an id from its parts.
func NewRepoID(owner, name string) (RepoID, error) {
	return ParseRepoID(owner + "/" + name)
}

// Split returns the owner and name halves.
func (id RepoID) Split() (owner, name string) {
	owner, name, _ = strings.Cut(string(id), "/")
	return owner, name
}

// Owner returns the owning account.
func (id RepoID) Owner() string {
	o, _ := id.Split()
	return o
}

// Name returns the repository name.
func (id RepoID) Name() string {
	_, n := id.Split()
	return n
}

// String returns the "owner/name" form.
func (id RepoID) String() string {
	return string(id)
}

// RepoRef names a repository by either its key or its logical id.
// Exactly one of the two forms is set.
type RepoRef struct {
	key   RepoKey
	id    RepoID
	byKey bool
}

// RefByKey references a repository by internal key.
func RefByKey(k RepoKey) RepoRef {
	return RepoRef{key: k, byKey: true}
}

// RefByID references a repository by logical id.
func RefByID(id RepoID) RepoRef {
	return RepoRef{id: id}
}

// ParseRepoRef accepts a decimal key or an "owner/name" id.
func ParseRepoRef(s string) (RepoRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RepoRef{}, fmt.Errorf("%w: empty reference", ErrInvalidRepoID)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return RepoRef{}, fmt.Errorf("%w: non-positive key %d", ErrInvalidRepoID, n)
		}
		return RefByKey(RepoKey(n)), nil
	}
	id, err := ParseRepoID(s)
	if err != nil {
		return RepoRef{}, err
	}
	return RefByID(id), nil
}

// Key returns the key form and whether the ref holds it.
func (r RepoRef) Key() (RepoKey, bool) {
	return r.key, r.byKey
}

// ID returns the logical form and whether the ref holds it.
func (r RepoRef) ID() (RepoID, bool) {
	return r.id, !r.byKey && r.id != ""
}

// IsZero reports whether the ref names nothing.
func (r RepoRef) IsZero() bool {
	return !r.byKey && r.id == ""
}

func (r RepoRef) String() string {
	if r.byKey {
		return "#" + r.key.String()
	}
	return string(r.id)
}
