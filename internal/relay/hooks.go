package relay

import (
	"time"

	"github.com/rcarmo/rdp-relay/internal/obs"
)

// Direction distinguishes the two forwarding paths of a session.
type Direction int

const (
	// ClientToServer is traffic from the real client toward the real server.
	ClientToServer Direction = iota

	// ServerToClient is traffic from the real server toward the real client.
	ServerToClient
)

// String returns the direction label used in logs, metrics and recordings.
func (d Direction) String() string {
	if d == ClientToServer {
		return "client-to-server"
	}

	return "server-to-client"
}

// EventKind classifies an intercepted event for hook predicates.
type EventKind int

const (
	// EventKeystrokes is decoded keyboard input (client to server).
	EventKeystrokes EventKind = iota

	// EventClipboard is decoded clipboard text (either direction).
	EventClipboard

	// EventChannelData is a reassembled virtual channel message.
	EventChannelData

	// EventFastPathOutput is a fast-path update from the server.
	EventFastPathOutput

	// EventSlowPathPDU is a decoded share data PDU.
	EventSlowPathPDU
)

// Event is one intercepted unit offered to hooks. Rewriting hooks replace
// Payload (and return VerdictRewrite); they must not mutate it in place,
// since on a budget overrun the original is forwarded.
type Event struct {
	Direction Direction
	Kind      EventKind
	Channel   string // virtual channel name, empty for core PDUs
	Payload   any    // decoded value; concrete type depends on Kind
}

// Verdict is a hook's decision about an event.
type Verdict int

const (
	// VerdictPass forwards the event unchanged.
	VerdictPass Verdict = iota

	// VerdictRewrite forwards the event with the hook's replacement payload.
	VerdictRewrite

	// VerdictSuppress drops the event; nothing is forwarded.
	VerdictSuppress
)

// Predicate selects the events a hook wants to see.
type Predicate func(*Event) bool

// Hook inspects an event and may rewrite or suppress it.
type Hook func(*Event) Verdict

type registeredHook struct {
	predicate Predicate
	hook      Hook
}

// Hooks runs registered hooks in registration order against intercepted
// events, each invocation bounded by the session's hook budget.
type Hooks struct {
	hooks  []registeredHook
	budget time.Duration

	// onFault is called when a hook overruns its budget, with the event
	// that was being processed.
	onFault func(*Event)
}

// NewHooks returns an empty hook set with the given per-invocation budget.
func NewHooks(budget time.Duration) *Hooks {
	if budget <= 0 {
		budget = 200 * time.Millisecond
	}

	return &Hooks{budget: budget}
}

// SetFaultHandler installs the budget-overrun callback.
func (h *Hooks) SetFaultHandler(fn func(*Event)) {
	h.onFault = fn
}

// Register appends a hook. A nil predicate matches every event.
func (h *Hooks) Register(predicate Predicate, hook Hook) {
	h.hooks = append(h.hooks, registeredHook{predicate: predicate, hook: hook})
}

// Apply runs every matching hook against the event and returns the final
// verdict and the (possibly rewritten) event. A hook exceeding the budget
// counts as VerdictPass: the event continues unmodified past that hook.
func (h *Hooks) Apply(event *Event) (Verdict, *Event) {
	current := event

	for _, entry := range h.hooks {
		if entry.predicate != nil && !entry.predicate(current) {
			continue
		}

		verdict, processed, ok := h.runOne(entry.hook, current)
		if !ok {
			obs.HookTimeouts.Inc()

			if h.onFault != nil {
				h.onFault(current)
			}

			continue // forward unmodified past this hook
		}

		switch verdict {
		case VerdictSuppress:
			return VerdictSuppress, current
		case VerdictRewrite:
			current = processed
		case VerdictPass: // next hook
		}
	}

	if current != event {
		return VerdictRewrite, current
	}

	return VerdictPass, current
}

// runOne executes a single hook invocation under the budget. The hook gets
// a shallow copy so an abandoned invocation cannot corrupt the event the
// session goes on to forward.
func (h *Hooks) runOne(hook Hook, event *Event) (Verdict, *Event, bool) {
	clone := *event

	type result struct {
		verdict Verdict
	}

	done := make(chan result, 1)

	go func() {
		done <- result{verdict: hook(&clone)}
	}()

	timer := time.NewTimer(h.budget)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.verdict, &clone, true
	case <-timer.C:
		return VerdictPass, nil, false
	}
}
