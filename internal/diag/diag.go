// Package diag records allocator and descriptor-set events as a Chrome
// trace event file (the JSON Array Format), for profiling where a
// container's time and space go. Disabled by default: events are
// formatted only once a sink is set.
package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var start = time.Now()

var (
	sinkMu  sync.Mutex
	sink    io.Writer = ioutil.Discard
	enabled bool
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	enabled = true
	// Start the JSON Array Format; the closing ] is optional, so it is
	// never written.
	w.Write([]byte{'['})
}

// Enable is a convenience function for creating a sink file in
// $TMPDIR/xoz.traces/prefix.$PID.
//
// The filename assumes the OS does not frequently re-use the same pid.
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "xoz.traces", fmt.Sprintf("%s.%d", prefix, os.Getpid()))
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

// Enabled reports whether a sink has been set; callers with expensive
// Args can skip building them when it is false.
func Enabled() bool {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	return enabled
}

type PendingEvent struct {
	Name           string      `json:"name"` // name of the event, as displayed in Trace Viewer
	Categories     string      `json:"cat"`  // event categories (comma-separated)
	Type           string      `json:"ph"`   // event type (single character)
	ClockTimestamp uint64      `json:"ts"`   // tracing clock timestamp (microsecond granularity)
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"` // process ID for the process that output this event
	Tid            uint64      `json:"tid"` // thread ID for the thread that output this event
	Args           interface{} `json:"args"`

	start time.Time
}

func (pe *PendingEvent) Done() {
	sinkMu.Lock()
	on := enabled
	sinkMu.Unlock()
	if !on {
		return
	}
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[diag] %v", err)
	}
}

func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}

// Counter emits a counter-type event (ph "C"), used for allocator stats
// snapshots.
func Counter(name string, args map[string]uint64) {
	ev := Event(name, 0)
	ev.Type = "C"
	ev.Args = args
	ev.Done()
}
