// Package registry implements the meta registry: a server-wide map from
// (service, method) to MethodDescriptor, additive at startup and
// contention-free on the read path once frozen.
package registry

import (
	"fmt"
	"sync"

	"github.com/nexrpc/nexrpc/pkg/errs"
	"github.com/nexrpc/nexrpc/pkg/wire"
)

type key struct {
	service, method string
}

// ServiceRegistry maps service name to its registered methods, addressable
// either by name (Baidu-std, SoFa, HTTP) or by index (Hulu).
type ServiceRegistry struct {
	mu       sync.Mutex // guards registration only; readers never take it once frozen
	byName   map[key]*wire.MethodDescriptor
	byIndex  map[string]map[int]*wire.MethodDescriptor
	frozen   bool
}

// New returns an empty ServiceRegistry, ready for Register calls.
func New() *ServiceRegistry {
	return &ServiceRegistry{
		byName:  make(map[key]*wire.MethodDescriptor),
		byIndex: make(map[string]map[int]*wire.MethodDescriptor),
	}
}

// Register adds desc, rejecting duplicate (service, method) pairs. It
// panics if called after Freeze, matching the spec's "registration is
// additive" / "lookup is read-only after start" split.
func (r *ServiceRegistry) Register(desc wire.MethodDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("registry: Register called after Freeze")
	}

	k := key{desc.ServiceName, desc.MethodName}
	if _, exists := r.byName[k]; exists {
		return errs.New(errs.BadSchema, "ServiceRegistry.Register",
			fmt.Errorf("duplicate method %s/%s", desc.ServiceName, desc.MethodName))
	}

	byIdx, ok := r.byIndex[desc.ServiceName]
	if ok {
		if _, exists := byIdx[desc.MethodIndex]; exists {
			return errs.New(errs.BadSchema, "ServiceRegistry.Register",
				fmt.Errorf("duplicate method index %s/%d", desc.ServiceName, desc.MethodIndex))
		}
	} else {
		byIdx = make(map[int]*wire.MethodDescriptor)
		r.byIndex[desc.ServiceName] = byIdx
	}

	d := desc
	r.byName[k] = &d
	byIdx[desc.MethodIndex] = &d
	return nil
}

// Freeze marks the registry read-only; subsequent Register calls panic.
// Call once, after server startup registration completes.
func (r *ServiceRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// LookupByName resolves a method addressed by name (Baidu-std, SoFa, HTTP).
func (r *ServiceRegistry) LookupByName(service, method string) (*wire.MethodDescriptor, bool) {
	d, ok := r.byName[key{service, method}]
	return d, ok
}

// LookupByIndex resolves a method addressed by integer index (Hulu).
func (r *ServiceRegistry) LookupByIndex(service string, index int) (*wire.MethodDescriptor, bool) {
	byIdx, ok := r.byIndex[service]
	if !ok {
		return nil, false
	}
	d, ok := byIdx[index]
	return d, ok
}
