package adapters

import (
	"strconv"
	"testing"
	"time"

	"github.com/dshills/debugd/internal/debug"
)

func TestSinkQueuesWithoutReader(t *testing.T) {
	s := newSink()

	emitted := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.emit(debug.BackendEvent{Kind: debug.BackendOutput, Text: strconv.Itoa(i)})
		}
		close(emitted)
	}()
	select {
	case <-emitted:
	case <-time.After(3 * time.Second):
		t.Fatal("emit blocked without a reader")
	}

	s.close()
	s.emit(debug.BackendEvent{Kind: debug.BackendOutput, Text: "late"})

	n := 0
	for ev := range s.events() {
		if ev.Text != strconv.Itoa(n) {
			t.Fatalf("event %d = %q", n, ev.Text)
		}
		n++
	}
	if n != 1000 {
		t.Errorf("got %d events, want 1000", n)
	}
}
