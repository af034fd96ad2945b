package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry stores kernels in etcd:
//
//	Key:   /kernel-rpc/{target}/{id}
//	Value: JSON-encoded KernelInstance
//
// Registration uses TTL-based leases: if the kernel dies, the lease expires
// and the entry is removed with it.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	logger zerolog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, revoked on Deregister
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger zerolog.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func key(target, id string) string {
	return "/kernel-rpc/" + target + "/" + id
}

func prefix(target string) string {
	return "/kernel-rpc/" + target + "/"
}

// Register adds a kernel with a TTL lease kept alive until Deregister or
// Close.
//
// The lease id is tracked per key, not on the struct, so several kernels can
// share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, target string, instance KernelInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	k := key(target, instance.ID)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}

	// The keep-alive must outlive the registration call's context.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("keep lease alive: %w", err)
	}
	r.mu.Lock()
	r.leases[k] = lease.ID
	r.mu.Unlock()

	// Drain responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug().Str("key", k).Msg("lease keep-alive stopped")
	}()
	return nil
}

// Deregister removes a kernel and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, target string, id string) error {
	k := key(target, id)
	r.mu.Lock()
	lease, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return fmt.Errorf("revoke lease: %w", err)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, k); err != nil {
		return fmt.Errorf("delete %s: %w", k, err)
	}
	return nil
}

// Discover returns every kernel registered under target.
func (r *EtcdRegistry) Discover(ctx context.Context, target string) ([]KernelInstance, error) {
	resp, err := r.client.Get(ctx, prefix(target), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]KernelInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance KernelInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed registry entry")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full kernel list whenever an entry under target changes.
// The channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, target string) <-chan []KernelInstance {
	ch := make(chan []KernelInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix(target), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch rather than applying individual events.
			instances, err := r.Discover(ctx, target)
			if err != nil {
				r.logger.Warn().Err(err).Str("target", target).Msg("registry refresh failed")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close releases the etcd client. Leases still held expire on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
