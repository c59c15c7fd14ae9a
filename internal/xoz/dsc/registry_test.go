package dsc

import (
	"errors"
	"testing"

	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

func TestRegistryRejectsReservedTypes(t *testing.T) {
	r := NewRegistry()
	noop := func(hdr Header, cblkarr blk.BlockArray, rctx *RuntimeContext) (Hooks, error) {
		return &OpaqueDescriptor{}, nil
	}
	for _, typ := range []uint16{0, 1, 2, 3, 0x01e0, 0x01e0 + 2047} {
		err := r.Register(typ, noop)
		var bd *xozerr.BadDescriptor
		if !errors.As(err, &bd) {
			t.Errorf("type %#x: got %v, want BadDescriptor", typ, err)
		}
	}
	if err := r.Register(0x01e0+2048, noop); err != nil {
		t.Errorf("first type past the reserved range rejected: %v", err)
	}
}

func TestRegistryFallsBackToOpaque(t *testing.T) {
	r := NewRegistry()
	f := r.lookup(0x0abc)
	hooks, err := f(Header{Type: 0x0abc, ISize: 2}, blk.CreateInMemory(7, 1, 4), NewRuntimeContext(r))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := hooks.(*OpaqueDescriptor); !ok {
		t.Errorf("fallback hooks are %T, want *OpaqueDescriptor", hooks)
	}
}

func TestIDManager(t *testing.T) {
	m := NewIDManager()
	a := m.NextTemporal()
	b := m.NextTemporal()
	if a == b || !IsIDTemporal(a) || !IsIDTemporal(b) {
		t.Errorf("temporal ids %#x, %#x", a, b)
	}

	if err := m.ClaimPersistent(10); err != nil {
		t.Fatal(err)
	}
	if err := m.ClaimPersistent(10); err == nil {
		t.Error("duplicate claim succeeded")
	}
	m.ReleasePersistent(10)
	if err := m.ClaimPersistent(10); err != nil {
		t.Errorf("claim after release: %v", err)
	}

	// AllocPersistent skips claimed ids.
	if err := m.ClaimPersistent(1); err != nil {
		t.Fatal(err)
	}
	if got := m.AllocPersistent(); got != 2 {
		t.Errorf("AllocPersistent = %d, want 2", got)
	}

	if err := m.ClaimPersistent(a); err == nil {
		t.Error("claiming a temporal id succeeded")
	}
	if err := m.ClaimPersistent(0); err == nil {
		t.Error("claiming id 0 succeeded")
	}
}
