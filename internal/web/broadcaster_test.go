package web

import (
	"encoding/json"
	"testing"
	"time"
)

// recvEvent waits for one event on ch and decodes it.
func recvEvent(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return StatusEvent{}
	}
}

func TestBroadcaster_Broadcast(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast(LevelInfo, "Capture started")

	evt := recvEvent(t, ch)
	if evt.Msg != "Capture started" || evt.Level != LevelInfo {
		t.Errorf("event = %+v", evt)
	}
	if _, err := time.Parse(time.RFC3339, evt.Time); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", evt.Time, err)
	}
	if evt.Data != nil {
		t.Errorf("plain event carries data %s", evt.Data)
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewStatusBroadcaster()
	preview, unsubPreview := b.Subscribe()
	defer unsubPreview()
	control, unsubControl := b.Subscribe()
	defer unsubControl()

	if n := b.Clients(); n != 2 {
		t.Fatalf("Clients() = %d, want 2", n)
	}
	b.Broadcast(LevelError, "Camera busy")
	for name, ch := range map[string]<-chan string{"preview": preview, "control": control} {
		if evt := recvEvent(t, ch); evt.Msg != "Camera busy" {
			t.Errorf("%s got %q", name, evt.Msg)
		}
	}
}

func TestBroadcaster_BroadcastData(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	type saved struct {
		Path  string `json:"path"`
		Bytes int64  `json:"bytes"`
	}
	b.BroadcastData(LevelDone, "Saved picam.jpg", saved{"picam.jpg", 42})

	evt := recvEvent(t, ch)
	if evt.Level != LevelDone {
		t.Errorf("level = %q, want %q", evt.Level, LevelDone)
	}
	var got saved
	if err := json.Unmarshal(evt.Data, &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if got != (saved{"picam.jpg", 42}) {
		t.Errorf("data = %+v", got)
	}
}

func TestBroadcaster_UnencodableDataStillSent(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.BroadcastData(LevelDone, "done", func() {})
	if evt := recvEvent(t, ch); evt.Msg != "done" || evt.Data != nil {
		t.Errorf("event = %+v", evt)
	}
}

func TestBroadcaster_SlowClientDropsEvents(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	// one more than the buffer holds; the last must be dropped, not block
	for i := 0; i <= subscriberBuffer; i++ {
		b.Broadcast(LevelInfo, "frame")
	}
	if got := len(ch); got != subscriberBuffer {
		t.Errorf("queued = %d, want %d", got, subscriberBuffer)
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if n := b.Clients(); n != 0 {
		t.Errorf("Clients() = %d, want 0", n)
	}
	// no subscriber left: nothing to deliver, nothing to panic on
	b.Broadcast(LevelInfo, "after unsubscribe")
}

func TestBroadcastWriter(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"single_line", "  [PiCam] Step 1: Open camera  \n", []string{"[PiCam] Step 1: Open camera"}},
		{"multi_line", "[PiCam] first\n[PiCam] second\n", []string{"[PiCam] first", "[PiCam] second"}},
		{"blank", "   \n\n", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewStatusBroadcaster()
			ch, unsub := b.Subscribe()
			defer unsub()

			n, err := BroadcastWriter(b).Write([]byte(tc.input))
			if err != nil || n != len(tc.input) {
				t.Fatalf("Write = %d, %v; want %d, nil", n, err, len(tc.input))
			}
			for _, want := range tc.want {
				if evt := recvEvent(t, ch); evt.Msg != want || evt.Level != LevelInfo {
					t.Errorf("event = %+v, want info %q", evt, want)
				}
			}
			if len(ch) != 0 {
				t.Errorf("%d unexpected extra events", len(ch))
			}
		})
	}
}
