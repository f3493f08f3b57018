package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func makeEvent(streamID string, seq int64, channel Channel, typ EventType) *Event {
	return &Event{
		StreamID: streamID,
		Seq:      seq,
		Channel:  channel,
		Type:     typ,
		Payload:  []byte(`{}`),
		TS:       time.Now().UTC(),
	}
}

func TestMemoryStoreAppendAndRead(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		if err := store.Append(ctx, makeEvent("s1", seq, ChannelPTYStdout, TypeChunk)); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}

	maxSeq, err := store.MaxSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("maxseq: %v", err)
	}
	if maxSeq != 5 {
		t.Errorf("maxseq = %d, want 5", maxSeq)
	}

	events, err := store.EventsSince(ctx, "s1", 2, 0)
	if err != nil {
		t.Fatalf("eventssince: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if want := int64(3 + i); ev.Seq != want {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, want)
		}
	}
}

func TestMemoryStoreEventsSinceLimit(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for seq := int64(1); seq <= 10; seq++ {
		if err := store.Append(ctx, makeEvent("s1", seq, ChannelPTYStdout, TypeChunk)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := store.EventsSince(ctx, "s1", 0, 4)
	if err != nil {
		t.Fatalf("eventssince: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if events[0].Seq != 1 || events[3].Seq != 4 {
		t.Errorf("limited read returned seqs %d..%d, want 1..4", events[0].Seq, events[3].Seq)
	}
}

func TestMemoryStoreDuplicateSeq(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Append(ctx, makeEvent("s1", 1, ChannelPTYStdout, TypeChunk)); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := store.Append(ctx, makeEvent("s1", 1, ChannelPTYStdout, TypeChunk))
	if !errors.Is(err, ErrDuplicateSeq) {
		t.Fatalf("duplicate append error = %v, want ErrDuplicateSeq", err)
	}
}

func TestMemoryStoreUnknownStream(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	maxSeq, err := store.MaxSeq(ctx, "missing")
	if err != nil {
		t.Fatalf("maxseq: %v", err)
	}
	if maxSeq != 0 {
		t.Errorf("maxseq = %d, want 0 for unknown stream", maxSeq)
	}

	events, err := store.EventsSince(ctx, "missing", 0, 0)
	if err != nil {
		t.Fatalf("eventssince: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want none", len(events))
	}
}

func TestMemoryStoreDeleteStream(t *testing.T) {
	tests := []struct {
		name              string
		preserveSnapshots bool
		wantSeqs          []int64
	}{
		{name: "full delete", preserveSnapshots: false, wantSeqs: nil},
		{name: "preserve snapshots", preserveSnapshots: true, wantSeqs: []int64{3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			defer store.Close()
			ctx := context.Background()

			evs := []*Event{
				makeEvent("s1", 1, ChannelPTYStdout, TypeChunk),
				makeEvent("s1", 2, ChannelPTYStdout, TypeChunk),
				makeEvent("s1", 3, ChannelSystemStatus, TypeSnapshot),
				makeEvent("s1", 4, ChannelPTYStdout, TypeChunk),
			}
			for _, ev := range evs {
				if err := store.Append(ctx, ev); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			if err := store.DeleteStream(ctx, "s1", tt.preserveSnapshots); err != nil {
				t.Fatalf("delete: %v", err)
			}

			got, err := store.EventsSince(ctx, "s1", 0, 0)
			if err != nil {
				t.Fatalf("eventssince: %v", err)
			}
			if len(got) != len(tt.wantSeqs) {
				t.Fatalf("got %d events after delete, want %d", len(got), len(tt.wantSeqs))
			}
			for i, ev := range got {
				if ev.Seq != tt.wantSeqs[i] {
					t.Errorf("kept event %d has seq %d, want %d", i, ev.Seq, tt.wantSeqs[i])
				}
			}
		})
	}
}

func TestMemoryStoreReadIsolation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Append(ctx, makeEvent("s1", 1, ChannelPTYStdout, TypeChunk)); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.EventsSince(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("eventssince: %v", err)
	}
	events[0].Payload = []byte(`"mutated"`)

	again, err := store.EventsSince(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("eventssince: %v", err)
	}
	if string(again[0].Payload) != `{}` {
		t.Errorf("stored payload mutated through a read copy: %s", again[0].Payload)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := store.Append(context.Background(), makeEvent("s1", 1, ChannelPTYStdout, TypeChunk))
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("append after close = %v, want ErrStoreClosed", err)
	}
}
