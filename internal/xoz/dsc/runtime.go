package dsc

import (
	"log"
	"os"
)

// ExternalRefAction selects what DescriptorSet does when a descriptor
// being erased (directly or through ClearSet) still has external
// shared_ptr-style holders outstanding. DescriptorSet.Destroy does not
// consult it.
type ExternalRefAction int

const (
	// ExternalRefPass silently allows the erase; external handles keep
	// referring to the now-detached in-memory Descriptor.
	ExternalRefPass ExternalRefAction = iota
	// ExternalRefWarn logs through RuntimeContext.Log and allows the erase.
	ExternalRefWarn
	// ExternalRefFail rejects the erase with BadDescriptor.
	ExternalRefFail
)

// DSetConfig is the DescriptorSet-specific slice of RuntimeConfig.
type DSetConfig struct {
	OnExternalRefAction ExternalRefAction
}

// RuntimeConfig is passed by value into a RuntimeContext and tunes
// behavior that is a policy choice rather than a fixed rule.
type RuntimeConfig struct {
	DSet DSetConfig
}

// DefaultRuntimeConfig is passive by default: most applications never
// hold a Descriptor handle across an Erase call.
var DefaultRuntimeConfig = RuntimeConfig{
	DSet: DSetConfig{OnExternalRefAction: ExternalRefPass},
}

// RuntimeContext is threaded explicitly through every loader/factory
// instead of living behind a package-level global. It bundles the
// descriptor type registry, the process-session id bookkeeping, the
// shared logger, and the runtime config.
type RuntimeContext struct {
	Registry *Registry
	IDs      *IDManager
	Log      *log.Logger
	Cfg      RuntimeConfig

	root *DescriptorSet
}

// NewRuntimeContext returns a RuntimeContext over registry with default
// logging (stderr, std flags) and config.
func NewRuntimeContext(registry *Registry) *RuntimeContext {
	return &RuntimeContext{
		Registry: registry,
		IDs:      NewIDManager(),
		Log:      log.New(os.Stderr, "", log.LstdFlags),
		Cfg:      DefaultRuntimeConfig,
	}
}

// SetRoot records the root DescriptorSet once it has been constructed
// or loaded, so Index can resolve cross-descriptor references by id.
func (rc *RuntimeContext) SetRoot(root *DescriptorSet) { rc.root = root }

// Index performs a depth-first id->descriptor lookup from the root set.
// Descriptors cross-reference each other by id only, never by pointer,
// so this is the one resolution path.
func (rc *RuntimeContext) Index(id uint32) *Descriptor {
	if rc.root == nil {
		return nil
	}
	return indexDepthFirst(rc.root, id)
}

func indexDepthFirst(set *DescriptorSet, id uint32) *Descriptor {
	if d, ok := set.Get(id); ok {
		return d
	}
	for _, d := range set.owned {
		if nested := nestedSetOf(d); nested != nil {
			if found := indexDepthFirst(nested, id); found != nil {
				return found
			}
		}
	}
	return nil
}
