package xio

// RewindGuard and LimitsGuard are scoped acquisitions of an IO's
// pointer and limit state: acquire via the constructor, `defer
// guard.Close()`, call Dismiss() to keep whatever state was set instead
// of restoring it.

// RewindGuard restores an IO's read and write pointers to where they
// were when the guard was created, unless dismissed.
type RewindGuard struct {
	io           IO
	rdPos, wrPos int64
	dismissed    bool
}

// AutoRewind captures io's current rd/wr pointers.
func AutoRewind(io IO) *RewindGuard {
	return &RewindGuard{io: io, rdPos: io.TellRd(), wrPos: io.TellWr()}
}

// Dismiss keeps the pointer positions as they are at Close time instead
// of restoring the captured ones.
func (g *RewindGuard) Dismiss() { g.dismissed = true }

// Close restores the captured pointers unless Dismiss was called.
func (g *RewindGuard) Close() {
	if g.dismissed {
		return
	}
	rdMin, _ := g.io.RdLimits()
	wrMin, _ := g.io.WrLimits()
	g.io.SeekRd(g.rdPos-rdMin, Beg)
	g.io.SeekWr(g.wrPos-wrMin, Beg)
}

// LimitsGuard restores an IO's rd/wr limit ranges to where they were
// when the guard was created, unless dismissed.
type LimitsGuard struct {
	io                         IO
	rdMin, rdEnd, wrMin, wrEnd int64
	dismissed                  bool
}

// AutoRestoreLimits captures io's current rd/wr limits.
func AutoRestoreLimits(io IO) *LimitsGuard {
	rdMin, rdEnd := io.RdLimits()
	wrMin, wrEnd := io.WrLimits()
	return &LimitsGuard{io: io, rdMin: rdMin, rdEnd: rdEnd, wrMin: wrMin, wrEnd: wrEnd}
}

// Dismiss keeps whatever limits are in effect at Close time.
func (g *LimitsGuard) Dismiss() { g.dismissed = true }

// Close restores the captured limits unless Dismiss was called.
func (g *LimitsGuard) Close() {
	if g.dismissed {
		return
	}
	g.io.LimitRd(g.rdMin, g.rdEnd)
	g.io.LimitWr(g.wrMin, g.wrEnd)
}
