// Package registry lets frontends find running kernels.
//
// A kernel registers itself under a target name (the comm target, e.g.
// "kernel_api") when it starts listening, and deregisters on shutdown.
package registry

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("no kernel registered")

// KernelInstance describes one listening kernel.
type KernelInstance struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`      // host:port for tcp, URL for websocket
	Transport string `json:"transport"` // "tcp" or "websocket"
	Weight    int    `json:"weight"`    // Weight for load balancing
	Version   string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, target string, instance KernelInstance, ttl int64) error
	Deregister(ctx context.Context, target string, id string) error
	Discover(ctx context.Context, target string) ([]KernelInstance, error)
	Watch(ctx context.Context, target string) <-chan []KernelInstance
}
