package debug

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() {
		Init(LevelOff)
		SetOutput(os.Stdout)
	})
	return &buf
}

func TestInit_OffWritesNothing(t *testing.T) {
	buf := capture(t, LevelOff)
	Info("hello %d", 1)
	Summary("title")
	Error(errors.New("boom"))
	if buf.Len() != 0 {
		t.Errorf("expected no output at level 0, got %q", buf.String())
	}
}

func TestLevels_Filtering(t *testing.T) {
	cases := []struct {
		name  string
		level int
		emit  func()
		want  string
		shown bool
	}{
		{"info_at_info", LevelInfo, func() { Info("i") }, "[INFO] i", true},
		{"live_at_info", LevelInfo, func() { Live("l") }, "[LIVE] l", false},
		{"frame_at_live", LevelLive, func() { Frame(7, 1024) }, "seq: 7 bytesused: 1024", true},
		{"verbose_at_live", LevelLive, func() { Verbose("v") }, "[VERBOSE] v", false},
		{"exec_at_verbose", LevelVerbose, func() { Exec("rpicam-still", []string{"-n", "-o", "-"}) }, "[EXEC] rpicam-still -n -o -", true},
		{"gpio_at_verbose", LevelVerbose, func() { GPIO("WritePin", 17, true) }, "[GPIO]", false},
		{"gpio_at_trace", LevelTrace, func() { GPIO("WritePin", 17, true) }, "[GPIO] WritePin pin=17 value=true", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := capture(t, tc.level)
			tc.emit()
			got := strings.Contains(buf.String(), tc.want)
			if got != tc.shown {
				t.Errorf("output %q: contains %q = %v, want %v", buf.String(), tc.want, got, tc.shown)
			}
		})
	}
}

func TestIsEnabled(t *testing.T) {
	capture(t, LevelLive)
	if !IsEnabled(LevelInfo) || !IsEnabled(LevelLive) {
		t.Error("info and live should be enabled at level 2")
	}
	if IsEnabled(LevelVerbose) {
		t.Error("verbose should be disabled at level 2")
	}
}

func TestFmt_DisabledReturnsEmpty(t *testing.T) {
	capture(t, LevelOff)
	if s := Fmt("%d", 42); s != "" {
		t.Errorf("Fmt = %q, want empty", s)
	}
}
