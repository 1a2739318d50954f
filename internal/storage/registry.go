package storage

import "fmt"

// OpenFunc constructs a Backend given its storage file path.
type OpenFunc func(filename string) (Backend, error)

var registry = map[string]OpenFunc{}

// Register adds a backend constructor under name. Called from backend
// packages' init() functions (see internal/storage/sqlitestore). Backends
// are enumerated at compile time; Register is only ever invoked from
// package init, never from runtime configuration.
func Register(name string, open OpenFunc) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("storage: backend %q already registered", name))
	}
	registry[name] = open
}

// Open instantiates the backend registered under name against filename.
func Open(name, filename string) (Backend, error) {
	open, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown backend %q", name)
	}
	return open(filename)
}
