package lifecycle

import "testing"

func TestRegisterUnregister(t *testing.T) {
	ran := false
	id := Register(func() error { ran = true; return nil })
	Unregister(id)

	stays := 0
	Register(func() error { stays++; return nil })
	Register(func() error { stays++; return nil })

	if err := RunAtExit(); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("unregistered func ran")
	}
	if stays != 2 {
		t.Errorf("ran %d funcs, want 2", stays)
	}
}
