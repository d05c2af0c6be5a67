package indicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/picamgo/internal/hw/gpio"
)

// recordingDriver records GPIO writes for verification.
type recordingDriver struct {
	*gpio.MockDriver
	writes []gpioWrite
}

type gpioWrite struct {
	pin   int
	level gpio.Level
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{MockDriver: gpio.NewMockDriver()}
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.writes = append(d.writes, gpioWrite{pin, level})
	return d.MockDriver.WritePin(pin, level)
}

func TestLED_StartsOff(t *testing.T) {
	drv := newRecordingDriver()
	NewLED(drv, 17)
	if len(drv.writes) != 1 || drv.writes[0] != (gpioWrite{17, gpio.Low}) {
		t.Errorf("expected a single LOW write on init, got %v", drv.writes)
	}
}

func TestLED_OnOff(t *testing.T) {
	drv := newRecordingDriver()
	led := NewLED(drv, 17)
	if err := led.On(); err != nil {
		t.Fatal(err)
	}
	if drv.PinLevel(17) != gpio.High {
		t.Error("LED should be HIGH after On")
	}
	if err := led.Off(); err != nil {
		t.Fatal(err)
	}
	if drv.PinLevel(17) != gpio.Low {
		t.Error("LED should be LOW after Off")
	}
}

func TestLED_ZeroPinIsNoop(t *testing.T) {
	drv := newRecordingDriver()
	led := NewLED(drv, 0)
	_ = led.On()
	_ = led.Off()
	_ = led.Blink(context.Background(), 3, time.Microsecond)
	if len(drv.writes) != 0 {
		t.Errorf("disabled LED should not touch GPIO, got %v", drv.writes)
	}
}

func TestLED_NilIsNoop(t *testing.T) {
	var led *LED
	if err := led.On(); err != nil {
		t.Errorf("nil LED On: %v", err)
	}
}

func TestLED_BlinkSequence(t *testing.T) {
	drv := newRecordingDriver()
	led := NewLED(drv, 5)
	drv.writes = nil

	if err := led.Blink(context.Background(), 2, 2*time.Microsecond); err != nil {
		t.Fatalf("Blink: %v", err)
	}

	expected := []gpio.Level{gpio.High, gpio.Low, gpio.High, gpio.Low, gpio.Low}
	if len(drv.writes) != len(expected) {
		t.Fatalf("expected %d writes, got %d: %v", len(expected), len(drv.writes), drv.writes)
	}
	for i, lvl := range expected {
		if drv.writes[i].level != lvl {
			t.Errorf("write %d: level=%v, want %v", i, drv.writes[i].level, lvl)
		}
	}
}

func TestLED_BlinkCancelledLeavesOff(t *testing.T) {
	drv := newRecordingDriver()
	led := NewLED(drv, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := led.Blink(ctx, 10, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if drv.PinLevel(5) != gpio.Low {
		t.Error("LED should be off after cancelled blink")
	}
}

func TestButton_WaitPress(t *testing.T) {
	drv := gpio.NewMockDriver()
	btn := NewButton(drv, 27)

	pressed, _ := btn.Pressed()
	if pressed {
		t.Fatal("pulled-up button should not read as pressed")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		drv.SetInput(27, gpio.Low)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := btn.WaitPress(ctx, time.Millisecond); err != nil {
		t.Fatalf("WaitPress: %v", err)
	}
}

func TestButton_WaitPressTimeout(t *testing.T) {
	drv := gpio.NewMockDriver()
	btn := NewButton(drv, 27)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := btn.WaitPress(ctx, time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
