package venue

import (
	"fmt"
	"sort"
)

// Registry resolves venue names to clients. Built once at startup from
// static configuration; unknown venues fail closed rather than falling back
// to an unrelated adapter.
type Registry struct {
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client. Duplicate names are a wiring bug.
func (r *Registry) Register(c Client) error {
	name := c.Name()
	if _, exists := r.clients[name]; exists {
		return fmt.Errorf("venue %s registered twice", name)
	}
	r.clients[name] = c
	return nil
}

// Lookup returns the client for a venue, or false when none is configured.
func (r *Registry) Lookup(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names returns registered venue names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
