package audit

import (
	"context"
	"errors"
	"fmt"

	"intake/internal/determinism"
	"intake/pkg/sentinel"
)

const genesisPrevHash = determinism.ZeroHash

// Verification is the result of walking one chain.
type Verification struct {
	MessageID     string
	RunID         string
	EventsChecked int
	// BrokenAt is the zero-based index of the first broken link, or -1.
	BrokenAt int
	Errors   []string
}

func (v Verification) OK() bool { return len(v.Errors) == 0 }

// Verify recomputes every event hash and prev link of the chain for
// (messageID, runID). The first broken link is reported with its index;
// later events are still checked so operators see the full damage.
func (l *Logger) Verify(ctx context.Context, messageID, runID string) (Verification, error) {
	events, err := l.store.ReadChain(ctx, messageID, runID)
	if err != nil {
		return Verification{}, fmt.Errorf("read chain %s/%s: %w", messageID, runID, err)
	}
	return VerifyEvents(messageID, runID, events), nil
}

// VerifyEvents checks an already-loaded chain.
func VerifyEvents(messageID, runID string, events []Event) Verification {
	out := Verification{MessageID: messageID, RunID: runID, BrokenAt: -1}
	if len(events) == 0 {
		out.Errors = append(out.Errors, "empty audit chain")
		return out
	}

	prev := genesisPrevHash
	for i, event := range events {
		out.EventsChecked++

		fail := func(format string, args ...any) {
			out.Errors = append(out.Errors, fmt.Sprintf("event %d: ", i)+fmt.Sprintf(format, args...))
			if out.BrokenAt == -1 {
				out.BrokenAt = i
			}
		}

		if event.MessageID != messageID {
			fail("message_id mismatch: %s != %s", event.MessageID, messageID)
		}
		if event.RunID != runID {
			fail("run_id mismatch: %s != %s", event.RunID, runID)
		}
		if event.PrevEventHash != prev {
			fail("prev_event_hash mismatch: %s != %s", event.PrevEventHash, prev)
		}
		if expected := event.ComputeHash(); event.EventHash != expected {
			fail("event_hash mismatch: %s != %s", event.EventHash, expected)
		}
		prev = event.EventHash
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}
