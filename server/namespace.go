package server

import (
	"fmt"
	"sort"
	"sync"
)

// Namespace is the interpreter namespace a kernel exposes to its frontend
// (the variable explorer's view). Register it with comm.RegisterService; its
// methods become "Namespace.Get", "Namespace.Set" and so on.
type Namespace struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewNamespace() *Namespace {
	return &Namespace{values: make(map[string]any)}
}

// Set binds name to value.
func (n *Namespace) Set(name string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values[name] = value
}

// Get returns the value bound to name.
func (n *Namespace) Get(name string) (any, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.values[name]
	if !ok {
		return nil, fmt.Errorf("name %q is not defined", name)
	}
	return v, nil
}

// Delete unbinds name.
func (n *Namespace) Delete(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.values[name]; !ok {
		return fmt.Errorf("name %q is not defined", name)
	}
	delete(n.values, name)
	return nil
}

// Names lists the bound names, sorted.
func (n *Namespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.values))
	for name := range n.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
