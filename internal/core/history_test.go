//nolint:testpackage // Tests internal request plumbing
package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHistoryAppendSnapshotOrder(t *testing.T) {
	t.Parallel()

	history := NewHistory("session")
	defer func() { _ = history.Stop() }()

	desc := CallDescription{Unit: "mod", Function: "fn"}

	for i := range 5 {
		err := history.Append(CallRecord{
			Description: desc,
			Args:        []any{i},
			Outcome:     Outcome{Kind: Returned, Value: i * 2},
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	records, err := history.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	for i, record := range records {
		if record.Args[0] != i {
			t.Errorf("record %d out of order: args %v", i, record.Args)
		}
	}
}

func TestHistorySnapshotIsACopy(t *testing.T) {
	t.Parallel()

	history := NewHistory("session")
	defer func() { _ = history.Stop() }()

	desc := CallDescription{Unit: "mod", Function: "fn"}

	if err := history.Append(CallRecord{Description: desc}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	records, err := history.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	records[0] = CallRecord{Description: CallDescription{Unit: "tampered", Function: "tampered"}}

	fresh, err := history.Snapshot()
	if err != nil {
		t.Fatalf("second snapshot failed: %v", err)
	}

	if fresh[0].Description != desc {
		t.Error("mutating a snapshot leaked into the history")
	}
}

func TestHistoryRejectsMalformedRecord(t *testing.T) {
	t.Parallel()

	history := NewHistory("session")
	defer func() { _ = history.Stop() }()

	err := history.Append(CallRecord{})
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got %v", err)
	}

	// The service must survive the bad request.
	err = history.Append(CallRecord{Description: CallDescription{Unit: "m", Function: "f"}})
	if err != nil {
		t.Errorf("append after bad request failed: %v", err)
	}
}

func TestHistoryRejectsUnknownRequestKind(t *testing.T) {
	t.Parallel()

	history := NewHistory("session")
	defer func() { _ = history.Stop() }()

	resp := history.call(historyRequest{Kind: "upgrade"})
	if !errors.Is(resp.Err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got %v", resp.Err)
	}

	records, err := history.Snapshot()
	if err != nil {
		t.Errorf("snapshot after bad request failed: %v", err)
	}

	if len(records) != 0 {
		t.Errorf("expected empty history, got %d records", len(records))
	}
}

func TestHistoryReset(t *testing.T) {
	t.Parallel()

	history := NewHistory("session")
	defer func() { _ = history.Stop() }()

	desc := CallDescription{Unit: "m", Function: "f"}

	if err := history.Append(CallRecord{Description: desc}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := history.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	records, err := history.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	if len(records) != 0 {
		t.Errorf("expected empty history after reset, got %d records", len(records))
	}

	// Reset clears the log but not the service.
	if err := history.Append(CallRecord{Description: desc}); err != nil {
		t.Errorf("append after reset failed: %v", err)
	}
}

func TestHistoryStopIsTerminal(t *testing.T) {
	t.Parallel()

	history := NewHistory("session")

	if err := history.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if err := history.Append(CallRecord{Description: CallDescription{Unit: "m", Function: "f"}}); !errors.Is(err, ErrStopped) {
		t.Errorf("append after stop: expected ErrStopped, got %v", err)
	}

	if _, err := history.Snapshot(); !errors.Is(err, ErrStopped) {
		t.Errorf("snapshot after stop: expected ErrStopped, got %v", err)
	}

	if err := history.Stop(); !errors.Is(err, ErrStopped) {
		t.Errorf("second stop: expected ErrStopped, got %v", err)
	}
}

func TestHistoryStopAcknowledgementNeverLost(t *testing.T) {
	t.Parallel()

	// The loop answers the stopper and then closes done; if the stopper's
	// select sees both cases ready it must still report success. Hammer the
	// start/stop cycle so the race window actually gets hit.
	for range 10000 {
		history := NewHistory("session")
		if err := history.Stop(); err != nil {
			t.Fatalf("stop of a live history reported an error: %v", err)
		}
	}
}

func TestHistoryConcurrentAppendsLoseNothing(t *testing.T) {
	t.Parallel()

	history := NewHistory("session")
	defer func() { _ = history.Stop() }()

	const (
		writers          = 8
		appendsPerWriter = 50
	)

	var wg sync.WaitGroup

	for w := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			desc := CallDescription{Unit: "m", Function: fmt.Sprintf("f%d", w)}

			for i := range appendsPerWriter {
				err := history.Append(CallRecord{Description: desc, Args: []any{i}})
				if err != nil {
					t.Errorf("writer %d append %d failed: %v", w, i, err)
				}
			}
		}()
	}

	wg.Wait()

	records, err := history.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	if len(records) != writers*appendsPerWriter {
		t.Errorf("expected %d records, got %d", writers*appendsPerWriter, len(records))
	}

	// Within one writer, acknowledged appends must appear in issue order.
	next := make(map[string]int)
	for _, record := range records {
		fn := record.Description.Function
		if record.Args[0] != next[fn] {
			t.Fatalf("writer %s records out of order: expected %d, got %v", fn, next[fn], record.Args[0])
		}

		next[fn]++
	}
}

// TestHistoryPreservesArbitrarySequences_Property proves the log is a
// faithful, ordered copy of whatever sequence of appends it acknowledged.
func TestHistoryPreservesArbitrarySequences_Property(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		history := NewHistory("session")
		defer func() { _ = history.Stop() }()

		args := rapid.SliceOfN(rapid.Int(), 0, 20).Draw(rt, "args")
		desc := CallDescription{Unit: "m", Function: "f"}

		for _, a := range args {
			if err := history.Append(CallRecord{Description: desc, Args: []any{a}}); err != nil {
				rt.Fatalf("append failed: %v", err)
			}
		}

		records, err := history.Snapshot()
		if err != nil {
			rt.Fatalf("snapshot failed: %v", err)
		}

		if len(records) != len(args) {
			rt.Fatalf("expected %d records, got %d", len(args), len(records))
		}

		for i, a := range args {
			if records[i].Args[0] != a {
				rt.Fatalf("record %d: expected %d, got %v", i, a, records[i].Args[0])
			}
		}
	})
}
