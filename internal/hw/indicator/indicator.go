package indicator

import (
	"context"
	"time"

	"github.com/cjeanneret/picamgo/internal/debug"
	"github.com/cjeanneret/picamgo/internal/hw/gpio"
)

// LED is a status light on a GPIO output (active HIGH).
// A zero pin disables it: every method becomes a no-op.
type LED struct {
	gpio gpio.Driver
	pin  int
}

// NewLED configures pin as an output and switches the LED off.
func NewLED(g gpio.Driver, pin int) *LED {
	l := &LED{gpio: g, pin: pin}
	if l.enabled() {
		_ = g.SetupPin(pin, gpio.Output)
		_ = g.WritePin(pin, gpio.Low)
	}
	return l
}

func (l *LED) enabled() bool {
	return l != nil && l.gpio != nil && l.pin > 0
}

// On lights the LED.
func (l *LED) On() error {
	if !l.enabled() {
		return nil
	}
	debug.Trace("LED on (pin %d)", l.pin)
	return l.gpio.WritePin(l.pin, gpio.High)
}

// Off switches the LED off.
func (l *LED) Off() error {
	if !l.enabled() {
		return nil
	}
	debug.Trace("LED off (pin %d)", l.pin)
	return l.gpio.WritePin(l.pin, gpio.Low)
}

// Blink flashes the LED n times with the given period (half on, half off).
// The LED is left off, including when ctx is cancelled mid-sequence.
func (l *LED) Blink(ctx context.Context, n int, period time.Duration) error {
	if !l.enabled() {
		return nil
	}
	defer l.Off()

	half := period / 2
	for i := 0; i < n; i++ {
		if err := l.On(); err != nil {
			return err
		}
		if err := sleep(ctx, half); err != nil {
			return err
		}
		if err := l.Off(); err != nil {
			return err
		}
		if err := sleep(ctx, half); err != nil {
			return err
		}
	}
	return nil
}

// Button is a momentary switch between a GPIO input and GND.
// The internal pull-up is enabled, so a press reads LOW.
type Button struct {
	gpio gpio.Driver
	pin  int
}

// NewButton configures pin as a pulled-up input.
func NewButton(g gpio.Driver, pin int) *Button {
	_ = g.SetupPin(pin, gpio.InputPullUp)
	return &Button{gpio: g, pin: pin}
}

// Pressed reports whether the button is currently held down.
func (b *Button) Pressed() (bool, error) {
	lvl, err := b.gpio.ReadPin(b.pin)
	if err != nil {
		return false, err
	}
	return lvl == gpio.Low, nil
}

// WaitPress polls the button every poll interval until it is pressed
// or ctx is done.
func (b *Button) WaitPress(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	debug.Live("Waiting for trigger button (pin %d)", b.pin)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		pressed, err := b.Pressed()
		if err != nil {
			return err
		}
		if pressed {
			debug.Live("Trigger button pressed")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
