package dsc

import (
	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// Factory builds the Hooks for a freshly loaded descriptor of a given
// type. hdr is already decoded (including its content segment, if any);
// the factory's job is only to construct the kind-specific state.
type Factory func(hdr Header, cblkarr blk.BlockArray, rctx *RuntimeContext) (Hooks, error)

// Registry maps descriptor type to the Factory that knows how to build
// it, with OpaqueFactory as the fallback so unrecognized types load as
// opaque pass-through descriptors that preserve their bytes on rewrite.
type Registry struct {
	factories map[uint16]Factory
}

// NewRegistry returns a registry with DescriptorSetType, the reserved
// subclass range, and DsetHolderType already wired; any additional
// application type can still be registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[uint16]Factory)}
	r.factories[DsetHolderType] = dsetHolderFactory
	return r
}

// Register adds a factory for an application-defined type. Registering
// a reserved type is rejected.
func (r *Registry) Register(t uint16, f Factory) error {
	if IsReservedType(t) {
		return &xozerr.BadDescriptor{Msg: "descriptor type is reserved for library use"}
	}
	r.factories[t] = f
	return nil
}

func (r *Registry) lookup(t uint16) Factory {
	if t == DescriptorSetType || (t >= reservedSubclassBase && t < reservedSubclassBase+reservedSubclassSpan) {
		return descriptorSetFactory
	}
	if f, ok := r.factories[t]; ok {
		return f
	}
	return OpaqueFactory
}
