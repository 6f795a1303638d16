package peer

import (
	"reflect"
	"sync"
)

// Extensions is a per-connection side table keyed by value type. Components
// attach their own state (identity, lobby membership, spawner handle)
// without the transport knowing about them.
type Extensions struct {
	mu     sync.Mutex
	values map[reflect.Type]any
}

// Load returns the extension of type T attached to p.
func Load[T any](p Peer) (*T, bool) {
	e := p.Extensions()
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[reflect.TypeFor[T]()]
	if !ok {
		return nil, false
	}
	return v.(*T), true
}

// Store attaches v to p, replacing any extension of the same type.
func Store[T any](p Peer, v *T) {
	e := p.Extensions()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.values == nil {
		e.values = make(map[reflect.Type]any)
	}
	e.values[reflect.TypeFor[T]()] = v
}

// StoreIfAbsent attaches v unless an extension of type T already exists.
// It returns the extension that is attached after the call and whether v
// was the one stored.
func StoreIfAbsent[T any](p Peer, v *T) (*T, bool) {
	e := p.Extensions()
	e.mu.Lock()
	defer e.mu.Unlock()
	key := reflect.TypeFor[T]()
	if cur, ok := e.values[key]; ok {
		return cur.(*T), false
	}
	if e.values == nil {
		e.values = make(map[reflect.Type]any)
	}
	e.values[key] = v
	return v, true
}

// Delete detaches the extension of type T if it is still v. A nil v
// detaches unconditionally.
func Delete[T any](p Peer, v *T) {
	e := p.Extensions()
	e.mu.Lock()
	defer e.mu.Unlock()
	key := reflect.TypeFor[T]()
	if v != nil {
		if cur, ok := e.values[key]; !ok || cur.(*T) != v {
			return
		}
	}
	delete(e.values, key)
}

// User is the identity bound to a connection by the identify handshake.
type User struct {
	Username string
}

// Username returns the identified username of p, or "".
func Username(p Peer) string {
	u, ok := Load[User](p)
	if !ok {
		return ""
	}
	return u.Username
}
