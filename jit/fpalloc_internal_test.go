package jit

import "testing"

func checkFPTopology(t *testing.T, e *Engine) {
	t.Helper()
	counts := make(map[int]int)
	for r := 0; r < VFRegCount; r++ {
		st := &e.live.fate[r]
		if !e.live.fIsInReg(r) {
			continue
		}
		rr := int(st.realreg)
		if int(e.live.fat[rr].holds[st.realind]) != r {
			t.Fatalf("freg %d holder slot %d is %d, want %d",
				rr, st.realind, e.live.fat[rr].holds[st.realind], r)
		}
		counts[rr]++
	}
	for n := 0; n < NFRegCount; n++ {
		if got := counts[n]; got != e.live.fat[n].nholds {
			t.Fatalf("freg %d nholds=%d but %d vregs point at it",
				n, e.live.fat[n].nholds, got)
		}
	}
}

func TestFPAllocatorLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	e.initComp(0x1000)

	r0 := e.fReadreg(0)
	checkFPTopology(t, e)
	if e.live.fate[0].status != statClean {
		t.Fatalf("status after read = %v, want clean", e.live.fate[0].status)
	}
	e.fUnlock(r0)

	w := e.fWritereg(1)
	checkFPTopology(t, e)
	if e.live.fate[1].status != statDirty {
		t.Fatalf("status after write = %v, want dirty", e.live.fate[1].status)
	}
	e.fUnlock(w)

	m := e.fRmw(1)
	if e.live.fate[1].status != statDirty {
		t.Fatal("rmw must leave the register dirty")
	}
	e.fUnlock(m)

	// Cycle through as many FP registers as the host has.
	for v := 0; v < 8; v++ {
		rr := e.fWritereg(v)
		checkFPTopology(t, e)
		e.fUnlock(rr)
	}

	e.flush(true)
	for n := 0; n < NFRegCount; n++ {
		if e.live.fat[n].nholds != 0 {
			t.Fatalf("freg %d still holds values after flush", n)
		}
	}
	for v := 0; v < 8; v++ {
		if e.live.fate[v].status == statDirty {
			t.Fatalf("FP vreg %d still dirty after flush", v)
		}
	}
}

func TestFPUnlockUnderflowPanics(t *testing.T) {
	e, _ := newTestEngine(t)
	e.initComp(0x1000)

	defer func() {
		if recover() == nil {
			t.Fatal("FP unlock of unlocked register must panic")
		}
	}()
	e.fUnlock(3)
}
