package typing

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/msgsync/clock"
)

type typingCall struct {
	chatID string
	typing bool
}

type recordingNotifier struct {
	calls []typingCall
}

func (n *recordingNotifier) SetTyping(_ context.Context, chatID string, typing bool) error {
	n.calls = append(n.calls, typingCall{chatID: chatID, typing: typing})
	return nil
}

func newCoalescerFixture() (*Coalescer, *recordingNotifier, *clock.Fake) {
	fake := clock.NewFake(time.Unix(1000000, 0))
	notifier := &recordingNotifier{}
	return NewCoalescer(notifier, fake), notifier, fake
}

func TestCoalescer_BurstProducesOneTrueCall(t *testing.T) {
	c, notifier, fake := newCoalescerFixture()

	// Five keystrokes within 250ms total.
	for i := 0; i < 5; i++ {
		c.Keystroke("chat-1")
		fake.Advance(50 * time.Millisecond)
	}
	fake.Advance(CoalesceWindow)

	trueCalls := 0
	for _, call := range notifier.calls {
		if call.typing {
			trueCalls++
		}
	}
	if trueCalls != 1 {
		t.Errorf("Expected exactly one typing=true call for a burst, got %d (calls: %v)", trueCalls, notifier.calls)
	}
}

func TestCoalescer_InactivityProducesOneFalseCall(t *testing.T) {
	c, notifier, fake := newCoalescerFixture()

	c.Keystroke("chat-1")
	fake.Advance(CoalesceWindow)
	if len(notifier.calls) != 1 || !notifier.calls[0].typing {
		t.Fatalf("Expected typing=true after coalesce window, got %v", notifier.calls)
	}

	// 3000ms of silence.
	fake.Advance(InactivityTimeout)

	if len(notifier.calls) != 2 {
		t.Fatalf("Expected exactly two calls, got %v", notifier.calls)
	}
	if notifier.calls[1].typing {
		t.Error("Second call should be typing=false")
	}

	// Nothing further once idle.
	fake.Advance(time.Minute)
	if len(notifier.calls) != 2 {
		t.Errorf("Idle chat should produce no further calls, got %v", notifier.calls)
	}
}

func TestCoalescer_KeystrokesExtendInactivity(t *testing.T) {
	c, notifier, fake := newCoalescerFixture()

	c.Keystroke("chat-1")
	fake.Advance(CoalesceWindow)

	// Keep typing just under the inactivity deadline.
	for i := 0; i < 3; i++ {
		fake.Advance(InactivityTimeout - time.Second)
		c.Keystroke("chat-1")
	}
	falseCalls := 0
	for _, call := range notifier.calls {
		if !call.typing {
			falseCalls++
		}
	}
	if falseCalls != 0 {
		t.Fatalf("Inactivity timer should keep resetting while typing continues, got %v", notifier.calls)
	}

	fake.Advance(InactivityTimeout)
	if last := notifier.calls[len(notifier.calls)-1]; last.typing {
		t.Errorf("Expected trailing typing=false after silence, got %v", notifier.calls)
	}
}

func TestCoalescer_ExplicitStop(t *testing.T) {
	c, notifier, fake := newCoalescerFixture()

	c.Keystroke("chat-1")
	fake.Advance(CoalesceWindow)
	c.Stop("chat-1")

	if len(notifier.calls) != 2 || notifier.calls[1].typing {
		t.Fatalf("Expected true then false, got %v", notifier.calls)
	}

	// The inactivity timer is gone; no duplicate false.
	fake.Advance(time.Minute)
	if len(notifier.calls) != 2 {
		t.Errorf("Expected no further calls after explicit stop, got %v", notifier.calls)
	}
}

func TestCoalescer_StopBeforeTrueSendsNothing(t *testing.T) {
	c, notifier, fake := newCoalescerFixture()

	c.Keystroke("chat-1")
	c.Stop("chat-1")
	fake.Advance(time.Minute)

	if len(notifier.calls) != 0 {
		t.Errorf("Stop while still debouncing must not produce network calls, got %v", notifier.calls)
	}
}

func TestCoalescer_CleanupChatIsSilent(t *testing.T) {
	c, notifier, fake := newCoalescerFixture()

	c.Keystroke("chat-1")
	fake.Advance(CoalesceWindow)
	c.CleanupChat("chat-1")

	fake.Advance(time.Minute)

	if len(notifier.calls) != 1 {
		t.Errorf("Cleanup must cancel timers without emitting typing=false, got %v", notifier.calls)
	}
	if fake.Pending() != 0 {
		t.Errorf("Cleanup left %d timers behind", fake.Pending())
	}

	// Cleanup of an unknown chat is harmless.
	c.CleanupChat("chat-unknown")
}

func TestCoalescer_ChatsAreIndependent(t *testing.T) {
	c, notifier, fake := newCoalescerFixture()

	c.Keystroke("chat-1")
	c.Keystroke("chat-2")
	fake.Advance(CoalesceWindow)

	byChat := make(map[string]int)
	for _, call := range notifier.calls {
		if call.typing {
			byChat[call.chatID]++
		}
	}
	if byChat["chat-1"] != 1 || byChat["chat-2"] != 1 {
		t.Errorf("Each chat should get its own typing=true, got %v", notifier.calls)
	}

	// Stopping one chat leaves the other typing.
	c.Stop("chat-1")
	fake.Advance(InactivityTimeout)

	var lastChat2 *typingCall
	for i := range notifier.calls {
		if notifier.calls[i].chatID == "chat-2" {
			lastChat2 = &notifier.calls[i]
		}
	}
	if lastChat2 == nil || lastChat2.typing {
		t.Errorf("chat-2 should auto-stop independently, got %v", notifier.calls)
	}
}

func TestCoalescer_DisposeCancelsEverything(t *testing.T) {
	c, notifier, fake := newCoalescerFixture()

	c.Keystroke("chat-1")
	c.Keystroke("chat-2")
	fake.Advance(CoalesceWindow)
	c.Keystroke("chat-3")

	c.Dispose()
	fake.Advance(time.Minute)

	for _, call := range notifier.calls {
		if !call.typing {
			t.Errorf("Dispose must not emit typing=false, got %v", notifier.calls)
		}
	}
	if fake.Pending() != 0 {
		t.Errorf("Dispose left %d timers behind", fake.Pending())
	}
}
