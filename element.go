package autoupdate

import (
	"context"
	"fmt"

	"github.com/OpenSlides/OpenSlides-sub003/internal/keys"
)

// Key identifies one element: a namespaced collection (e.g. "motions/motion")
// and a positive id.
type Key struct {
	Collection string
	ID         int
}

func (k Key) String() string { return keys.Element(k.Collection, k.ID) }

// ParseKey parses the "<collection>:<id>" storage form of a key.
func ParseKey(s string) (Key, error) {
	collection, id, err := keys.Split(s)
	if err != nil {
		return Key{}, err
	}
	return Key{Collection: collection, ID: id}, nil
}

func (k Key) validate() error {
	if k.Collection == "" {
		return fmt.Errorf("empty collection")
	}
	if k.ID <= 0 {
		return fmt.Errorf("non-positive id %d", k.ID)
	}
	return nil
}

// Cachable is the collaborator contract one domain collection registers with
// the cache. The cache never interprets payloads beyond serializing them; a
// payload must contain its own id.
type Cachable interface {
	// Collection returns the namespaced collection name, e.g.
	// "motions/motion".
	Collection() string

	// AllElements returns every live element of the collection, keyed by
	// id. Used to seed the cache and for full restricted-view rebuilds.
	AllElements(ctx context.Context) (map[int]any, error)

	// Element returns one element from the system of record, or ErrNotFound.
	// Used as the read-through path on a cache miss.
	Element(ctx context.Context, id int) (any, error)

	// Restrict projects elements down to what the given user may see.
	// Elements missing from the result are invisible to that user. User id
	// 0 is the anonymous user.
	Restrict(ctx context.Context, userID int, elements map[int]any) (map[int]any, error)
}
