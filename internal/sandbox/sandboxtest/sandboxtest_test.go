package sandboxtest

import (
	"testing"
	"time"
)

func TestClockNeverBlocks(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)

	before := time.Now()
	c.Sleep(10 * time.Hour)
	if real := time.Since(before); real > time.Second {
		t.Fatalf("Sleep blocked for %v of real time", real)
	}
	if got := c.Now(); !got.Equal(start.Add(10 * time.Hour)) {
		t.Errorf("Now = %v, want start+10h", got)
	}

	c.Sleep(-time.Hour)
	if got := c.Now(); !got.Equal(start.Add(10 * time.Hour)) {
		t.Errorf("negative sleep moved the clock to %v", got)
	}
}

func TestRunRecordsOutcomes(t *testing.T) {
	h := New(NewClock(time.Unix(0, 0)), 1)

	h.Run("passes", func(t *T) {
		t.Check(1+1 == 2, "arithmetic broke")
	})
	h.Run("fails", func(t *T) {
		t.Errorf("expected 200, got 404")
		t.Errorf("second message is ignored")
	})
	h.Run("fatal_stops_test", func(t *T) {
		t.Fatalf("unrecoverable")
		t.Errorf("unreachable")
	})
	h.Run("panics", func(t *T) {
		panic("boom")
	})

	results := h.Results()
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}

	want := []TestResult{
		{ID: "passes", Passed: true},
		{ID: "fails", Passed: false, Message: "expected 200, got 404"},
		{ID: "fatal_stops_test", Passed: false, Message: "unrecoverable"},
		{ID: "panics", Passed: false, Message: "panic: boom"},
	}
	for i, w := range want {
		got := results[i]
		if got.ID != w.ID || got.Passed != w.Passed || got.Message != w.Message {
			t.Errorf("result[%d] = %+v, want %+v", i, got, w)
		}
	}
}

func TestRandomStreamIsDeterministic(t *testing.T) {
	draw := func() []int64 {
		h := New(NewClock(time.Unix(0, 0)), 42)
		var out []int64
		h.Run("draws", func(t *T) {
			for i := 0; i < 5; i++ {
				out = append(out, t.Int63())
			}
		})
		return out
	}

	a, b := draw(), draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("draw %d differs across runs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestSubtestChartsPropagate(t *testing.T) {
	h := New(NewClock(time.Unix(0, 0)), 1)
	h.Run("charts_line", func(t *T) {
		t.EmitChart(Chart{Name: "price", MIME: "image/svg+xml", Data: []byte("<svg/>")})
	})
	if got := len(h.Charts()); got != 1 {
		t.Fatalf("got %d charts, want 1", got)
	}
}
