package cache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Scope binds a cache to one user on one server.
type Scope struct {
	Host string
	User string
}

// DirName is the scope's directory name below <root>/cache. The host is
// length prefixed so no two scopes hash the same input.
func (s Scope) DirName() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%d:%s.%s", len(s.Host), s.Host, s.User)))
}

func (s Scope) String() string {
	return s.User + "@" + s.Host
}
