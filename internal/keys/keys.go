// Package keys builds and parses element keys.
//
// An element key is "<collection>:<id>", e.g. "motions/motion:42". The
// collection part may itself contain slashes but never a colon; the id part
// is a positive decimal integer. Synthetic bookkeeping members stored next to
// element keys use the reserved "_config:" prefix and never parse as element
// keys.
package keys

import (
	"fmt"
	"strconv"
	"strings"
)

// ConfigPrefix marks synthetic members that live alongside element keys in
// the same storage structure (e.g. "_config:change_id").
const ConfigPrefix = "_config:"

// Element returns the storage key for one element.
func Element(collection string, id int) string {
	return collection + ":" + strconv.Itoa(id)
}

// IsConfig reports whether key is a synthetic bookkeeping member.
func IsConfig(key string) bool {
	return strings.HasPrefix(key, ConfigPrefix)
}

// Split breaks an element key into collection and id.
func Split(key string) (collection string, id int, err error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("malformed element key %q", key)
	}
	id, err = strconv.Atoi(key[i+1:])
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("malformed element id in key %q", key)
	}
	return key[:i], id, nil
}

// Collection returns only the collection part of an element key.
func Collection(key string) (string, error) {
	c, _, err := Split(key)
	return c, err
}
