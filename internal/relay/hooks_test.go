package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHooksRunInRegistrationOrder(t *testing.T) {
	hooks := NewHooks(time.Second)

	var order []string

	hooks.Register(nil, func(*Event) Verdict {
		order = append(order, "first")

		return VerdictPass
	})
	hooks.Register(nil, func(*Event) Verdict {
		order = append(order, "second")

		return VerdictPass
	})

	verdict, _ := hooks.Apply(&Event{Kind: EventChannelData})
	require.Equal(t, VerdictPass, verdict)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestHooksPredicateFilters(t *testing.T) {
	hooks := NewHooks(time.Second)

	var seen int

	hooks.Register(func(e *Event) bool { return e.Kind == EventClipboard }, func(*Event) Verdict {
		seen++

		return VerdictPass
	})

	hooks.Apply(&Event{Kind: EventKeystrokes})
	require.Zero(t, seen)

	hooks.Apply(&Event{Kind: EventClipboard})
	require.Equal(t, 1, seen)
}

func TestHooksRewriteChains(t *testing.T) {
	hooks := NewHooks(time.Second)

	hooks.Register(nil, func(e *Event) Verdict {
		e.Payload = strings.ToUpper(e.Payload.(string))

		return VerdictRewrite
	})
	hooks.Register(nil, func(e *Event) Verdict {
		e.Payload = e.Payload.(string) + "!"

		return VerdictRewrite
	})

	original := &Event{Kind: EventClipboard, Payload: "secret"}

	verdict, processed := hooks.Apply(original)
	require.Equal(t, VerdictRewrite, verdict)
	require.Equal(t, "SECRET!", processed.Payload)

	// The caller's event is untouched; hooks operate on clones.
	require.Equal(t, "secret", original.Payload)
}

func TestHooksSuppressShortCircuits(t *testing.T) {
	hooks := NewHooks(time.Second)

	var reached bool

	hooks.Register(nil, func(*Event) Verdict { return VerdictSuppress })
	hooks.Register(nil, func(*Event) Verdict {
		reached = true

		return VerdictPass
	})

	verdict, _ := hooks.Apply(&Event{Kind: EventKeystrokes})
	require.Equal(t, VerdictSuppress, verdict)
	require.False(t, reached)
}

func TestHooksBudgetOverrunForwardsUnmodified(t *testing.T) {
	hooks := NewHooks(10 * time.Millisecond)

	var faulted *Event

	hooks.SetFaultHandler(func(e *Event) { faulted = e })

	release := make(chan struct{})

	hooks.Register(nil, func(e *Event) Verdict {
		<-release
		e.Payload = "mutated"

		return VerdictRewrite
	})
	hooks.Register(nil, func(e *Event) Verdict {
		e.Payload = e.Payload.(string) + "-tail"

		return VerdictRewrite
	})

	event := &Event{Kind: EventChannelData, Payload: "original"}

	verdict, processed := hooks.Apply(event)
	close(release)

	require.Equal(t, VerdictRewrite, verdict)
	require.Equal(t, "original-tail", processed.Payload)
	require.NotNil(t, faulted)
	require.Equal(t, "original", faulted.Payload)
}

func TestHooksAbandonedInvocationCannotCorruptEvent(t *testing.T) {
	hooks := NewHooks(10 * time.Millisecond)

	release := make(chan struct{})

	hooks.Register(nil, func(e *Event) Verdict {
		<-release
		e.Payload = "late write"

		return VerdictRewrite
	})

	event := &Event{Kind: EventClipboard, Payload: "original"}

	verdict, processed := hooks.Apply(event)
	require.Equal(t, VerdictPass, verdict)
	require.Equal(t, "original", processed.Payload)

	close(release)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, "original", event.Payload)
}

func TestDirectionString(t *testing.T) {
	require.Equal(t, "client-to-server", ClientToServer.String())
	require.Equal(t, "server-to-client", ServerToClient.String())
}
