package dsc

import "github.com/xoz-format/xoz/internal/xoz/xozerr"

// IDManager tracks persistent ids in use and hands out fresh temporal
// ids within a single open/close session. It lives in the
// RuntimeContext, never in a package global.
type IDManager struct {
	persistentInUse map[uint32]bool
	nextTemporal    uint32
}

// temporalBit is the high bit that marks an id as temporal-only.
const temporalBit = uint32(0x8000_0000)

// NewIDManager returns an empty manager for a fresh session.
func NewIDManager() *IDManager {
	return &IDManager{persistentInUse: map[uint32]bool{}}
}

// NextTemporal returns a fresh id with the high bit set, unique within
// this process session.
func (m *IDManager) NextTemporal() uint32 {
	m.nextTemporal++
	return temporalBit | m.nextTemporal
}

// ClaimPersistent records id as in use file-wide, failing if it is
// already claimed or is not actually a persistent-shaped id.
func (m *IDManager) ClaimPersistent(id uint32) error {
	if IsIDTemporal(id) {
		return &xozerr.BadDescriptor{Msg: "cannot claim a temporal id as persistent"}
	}
	if id == 0 {
		return &xozerr.BadDescriptor{Msg: "id 0 is reserved"}
	}
	if m.persistentInUse[id] {
		return &xozerr.BadDescriptor{Msg: "duplicate persistent descriptor id"}
	}
	m.persistentInUse[id] = true
	return nil
}

// ReleasePersistent frees id for reuse, called by DescriptorSet.Erase as
// soon as the erase is staged, before the record is zeroed on disk.
func (m *IDManager) ReleasePersistent(id uint32) {
	delete(m.persistentInUse, id)
}

// Seed records id as already in use without erroring on a duplicate,
// used while reconstructing an in-memory tree from disk where
// uniqueness is already guaranteed by construction rather than by this
// call.
func (m *IDManager) Seed(id uint32) {
	if IsIDTemporal(id) || id == 0 {
		return
	}
	m.persistentInUse[id] = true
}

// AllocPersistent claims and returns the smallest unused persistent id
// greater than zero, the policy AssignPersistentId relies on.
func (m *IDManager) AllocPersistent() uint32 {
	for id := uint32(1); ; id++ {
		if id&temporalBit != 0 {
			panic("BUG: persistent id space exhausted")
		}
		if !m.persistentInUse[id] {
			m.persistentInUse[id] = true
			return id
		}
	}
}
