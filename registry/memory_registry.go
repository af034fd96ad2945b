package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-host setups and tests.
// TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	targets  map[string]map[string]KernelInstance
	watchers map[string][]chan []KernelInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		targets:  make(map[string]map[string]KernelInstance),
		watchers: make(map[string][]chan []KernelInstance),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, target string, instance KernelInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.targets[target] == nil {
		r.targets[target] = make(map[string]KernelInstance)
	}
	r.targets[target][instance.ID] = instance
	r.notify(target)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, target string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets[target], id)
	r.notify(target)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, target string) ([]KernelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(target), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, target string) <-chan []KernelInstance {
	ch := make(chan []KernelInstance, 1)
	r.mu.Lock()
	r.watchers[target] = append(r.watchers[target], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[target]
		for i, w := range ws {
			if w == ch {
				r.watchers[target] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns the instances sorted by id. Callers hold mu.
func (r *MemoryRegistry) list(target string) []KernelInstance {
	instances := make([]KernelInstance, 0, len(r.targets[target]))
	for _, inst := range r.targets[target] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances
}

// notify sends the latest list to every watcher, replacing an unread one.
// Callers hold mu.
func (r *MemoryRegistry) notify(target string) {
	instances := r.list(target)
	for _, ch := range r.watchers[target] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
