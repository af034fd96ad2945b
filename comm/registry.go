package comm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"sync"

	"kernel-rpc/message"
	"kernel-rpc/middleware"
)

// Handler serves one call name.
type Handler = middleware.HandlerFunc

type entry struct {
	handler Handler
	frame   message.Frame // Where the handler is defined, the innermost trace frame
}

// CallRegistry maps call names to handlers.
type CallRegistry struct {
	mu       sync.RWMutex
	handlers map[string]entry
}

func NewCallRegistry() *CallRegistry {
	return &CallRegistry{handlers: make(map[string]entry)}
}

// Register binds name to h, replacing any previous handler. A nil handler
// unregisters name.
func (r *CallRegistry) Register(name string, h Handler) {
	r.register(name, h, funcFrame(h))
}

// RegisterFunc adapts fn with Func and registers it under name.
func (r *CallRegistry) RegisterFunc(name string, fn any) error {
	h, err := Func(fn)
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	r.register(name, h, funcFrame(fn))
	return nil
}

func (r *CallRegistry) register(name string, h Handler, frame message.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, name)
		return
	}
	r.handlers[name] = entry{handler: h, frame: frame}
}

// RegisterService registers every exported method of rcvr that Func can
// adapt, under "Type.Method". rcvr must be a pointer to a struct.
func (r *CallRegistry) RegisterService(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return fmt.Errorf("rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)
	svc := typ.Elem().Name()

	n := 0
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		h, err := Func(val.Method(i).Interface())
		if err != nil {
			continue
		}
		r.register(svc+"."+method.Name, h, funcFrame(method.Func.Interface()))
		n++
	}
	if n == 0 {
		return fmt.Errorf("type %s has no methods usable as remote calls", svc)
	}
	return nil
}

// Names lists the registered call names, sorted.
func (r *CallRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered for inv.Name. Handler errors and
// panics come back as a *message.RemoteError carrying a trace.
func (r *CallRegistry) Dispatch(ctx context.Context, inv *message.Invocation) (any, error) {
	r.mu.RLock()
	e, ok := r.handlers[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", message.ErrUnknownRemoteCall, inv.Name)
	}

	value, err := middleware.Recover()(e.handler)(ctx, inv)
	if err != nil {
		return nil, message.NewRemoteError(inv.Name, err, []message.Frame{e.frame})
	}
	return value, nil
}

func funcFrame(fn any) message.Frame {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return message.Frame{}
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return message.Frame{}
	}
	file, line := f.FileLine(f.Entry())
	return message.Frame{Function: f.Name(), File: file, Line: line}
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	kwargsType  = reflect.TypeOf(map[string]any(nil))
	errNotFunc  = errors.New("not a function")
)
