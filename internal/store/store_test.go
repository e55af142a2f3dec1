package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/natemellendorf/relaychat/internal/model"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// clockedStore is a Store whose time source can be replaced.
type clockedStore interface {
	Store
	SetClock(c clock.Clock)
}

// forEachStore runs fn against a fresh MemoryStore and a fresh BBoltStore,
// both driven by the same mock clock.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store, mock *clock.Mock)) {
	t.Helper()

	factories := map[string]func(t *testing.T) clockedStore{
		"memory": func(t *testing.T) clockedStore {
			return NewMemoryStore()
		},
		"bbolt": func(t *testing.T) clockedStore {
			s := NewBBoltStore(filepath.Join(t.TempDir(), "relay-test.db"))
			if err := s.Open(); err != nil {
				t.Fatalf("failed to open store: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			mock := clock.NewMock()
			mock.Set(epoch)
			s := factory(t)
			s.SetClock(mock)
			fn(t, s, mock)
		})
	}
}

func newMessage(id, to string, createdAt time.Time, ttl time.Duration) *model.RelayMessage {
	return &model.RelayMessage{
		ID:          id,
		SenderID:    "sender-1",
		RecipientID: to,
		Payload: model.Payload{
			EncryptedContent:    "SGVsbG8gV29ybGQ=",
			EncryptedSessionKey: "a2V5",
			CryptoVersion:       model.DefaultCryptoVersion,
			EncryptionAlgorithm: model.DefaultEncryptionAlgorithm,
			KDFAlgorithm:        model.DefaultKDFAlgorithm,
		},
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
}

func TestInsertAndGetPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()
		msg := newMessage("test-msg-1", "recipient-1", epoch, time.Hour)

		if err := s.Insert(ctx, msg); err != nil {
			t.Fatalf("failed to insert message: %v", err)
		}

		messages, err := s.GetPending(ctx, "recipient-1")
		if err != nil {
			t.Fatalf("failed to get pending messages: %v", err)
		}
		if len(messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(messages))
		}
		got := messages[0]
		if got.ID != msg.ID || got.SenderID != msg.SenderID || got.Payload.EncryptedContent != msg.Payload.EncryptedContent {
			t.Fatalf("pending message mismatch: %+v", got)
		}
		if !got.ExpiresAt.Equal(msg.ExpiresAt) {
			t.Fatalf("expected expires_at %v, got %v", msg.ExpiresAt, got.ExpiresAt)
		}

		other, err := s.GetPending(ctx, "recipient-2")
		if err != nil {
			t.Fatalf("failed to get pending messages: %v", err)
		}
		if len(other) != 0 {
			t.Fatalf("expected no messages for another recipient, got %d", len(other))
		}
	})
}

func TestInsertDuplicateKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()
		msg := newMessage("dup-1", "recipient-1", epoch, time.Hour)

		if err := s.Insert(ctx, msg); err != nil {
			t.Fatalf("failed to insert message: %v", err)
		}
		err := s.Insert(ctx, newMessage("dup-1", "recipient-2", epoch, time.Hour))
		if !errors.Is(err, model.ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey, got %v", err)
		}

		// The original record must be untouched.
		got, err := s.Get(ctx, "dup-1")
		if err != nil {
			t.Fatalf("Get returned unexpected error: %v", err)
		}
		if got.RecipientID != "recipient-1" {
			t.Fatalf("duplicate insert overwrote recipient: %s", got.RecipientID)
		}
	})
}

func TestGetPendingOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()

		// Inserted out of order, with a created_at tie between "b" and "c".
		msgs := []*model.RelayMessage{
			newMessage("c", "r", epoch.Add(2*time.Second), time.Hour),
			newMessage("a", "r", epoch.Add(3*time.Second), time.Hour),
			newMessage("b", "r", epoch.Add(2*time.Second), time.Hour),
			newMessage("z", "r", epoch.Add(1*time.Second), time.Hour),
		}
		for _, m := range msgs {
			if err := s.Insert(ctx, m); err != nil {
				t.Fatalf("failed to insert %s: %v", m.ID, err)
			}
		}

		pending, err := s.GetPending(ctx, "r")
		if err != nil {
			t.Fatalf("failed to get pending: %v", err)
		}
		want := []string{"z", "b", "c", "a"}
		if len(pending) != len(want) {
			t.Fatalf("expected %d messages, got %d", len(want), len(pending))
		}
		for i, id := range want {
			if pending[i].ID != id {
				t.Fatalf("position %d: expected %s, got %s", i, id, pending[i].ID)
			}
		}
	})
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()
		msg := newMessage("ack-1", "recipient-1", epoch, time.Hour)
		if err := s.Insert(ctx, msg); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}

		ok, err := s.Acknowledge(ctx, "ack-1")
		if err != nil || !ok {
			t.Fatalf("first acknowledge: ok=%v err=%v", ok, err)
		}

		ok, err = s.Acknowledge(ctx, "ack-1")
		if err != nil {
			t.Fatalf("second acknowledge returned error: %v", err)
		}
		if ok {
			t.Fatal("second acknowledge should report not found")
		}

		ok, err = s.Acknowledge(ctx, "never-existed")
		if err != nil || ok {
			t.Fatalf("unknown id: ok=%v err=%v", ok, err)
		}

		pending, _ := s.GetPending(ctx, "recipient-1")
		if len(pending) != 0 {
			t.Fatalf("acknowledged message still pending")
		}
		if _, err := s.Get(ctx, "ack-1"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after acknowledge, got %v", err)
		}

		// A retried send of the same id must not bring it back.
		if err := s.Insert(ctx, msg); !errors.Is(err, model.ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey on reinsert after ack, got %v", err)
		}
	})
}

func TestTTLBoundary(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()
		if err := s.Insert(ctx, newMessage("ttl-1", "r", epoch, model.DefaultTTL)); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}

		mock.Set(epoch.Add(model.DefaultTTL - time.Second))
		pending, _ := s.GetPending(ctx, "r")
		if len(pending) != 1 {
			t.Fatalf("expected message deliverable at T+7d-1s, got %d pending", len(pending))
		}

		mock.Set(epoch.Add(model.DefaultTTL + time.Second))
		pending, _ = s.GetPending(ctx, "r")
		if len(pending) != 0 {
			t.Fatalf("expected message not deliverable at T+7d+1s, got %d pending", len(pending))
		}

		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Total != 1 || stats.Expired != 1 || stats.Deliverable != 0 {
			t.Fatalf("unexpected stats before sweep: %+v", stats)
		}
	})
}

func TestSweepExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if err := s.Insert(ctx, newMessage(fmt.Sprintf("short-%d", i), "r", epoch, time.Minute)); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
		if err := s.Insert(ctx, newMessage("long", "r", epoch, time.Hour)); err != nil {
			t.Fatalf("insert: %v", err)
		}

		removed, err := s.SweepExpired(ctx)
		if err != nil || removed != 0 {
			t.Fatalf("sweep before expiry: removed=%d err=%v", removed, err)
		}

		mock.Add(2 * time.Minute)
		removed, err = s.SweepExpired(ctx)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if removed != 3 {
			t.Fatalf("expected 3 removed, got %d", removed)
		}

		pending, _ := s.GetPending(ctx, "r")
		if len(pending) != 1 || pending[0].ID != "long" {
			t.Fatalf("unexpected pending after sweep: %v", pending)
		}

		// Expired ids are gone for good; acknowledging them is a no-op.
		ok, err := s.Acknowledge(ctx, "short-0")
		if err != nil || ok {
			t.Fatalf("ack of swept id: ok=%v err=%v", ok, err)
		}
	})
}

func TestRecordAttempt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()
		if err := s.Insert(ctx, newMessage("att-1", "r", epoch, time.Hour)); err != nil {
			t.Fatalf("insert: %v", err)
		}

		mock.Add(time.Second)
		if err := s.RecordAttempt(ctx, "att-1"); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
		if err := s.RecordAttempt(ctx, "att-1"); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
		if err := s.RecordAttempt(ctx, "missing"); err != nil {
			t.Fatalf("record attempt on unknown id should be ignored: %v", err)
		}

		got, err := s.Get(ctx, "att-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.DeliveryAttempts != 2 {
			t.Fatalf("expected 2 attempts, got %d", got.DeliveryAttempts)
		}
		if got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(epoch.Add(time.Second)) {
			t.Fatalf("unexpected last attempt: %v", got.LastAttemptAt)
		}
	})
}

func TestStatsScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()
		if err := s.Insert(ctx, newMessage("m1", "R", epoch, model.DefaultTTL)); err != nil {
			t.Fatalf("insert: %v", err)
		}

		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Total != 1 || stats.Deliverable != 1 || stats.UniqueRecipients != 1 {
			t.Fatalf("unexpected stats after queue: %+v", stats)
		}

		if ok, _ := s.Acknowledge(ctx, "m1"); !ok {
			t.Fatal("acknowledge should find m1")
		}

		stats, err = s.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Total != 0 || stats.Deliverable != 0 || stats.UniqueRecipients != 0 {
			t.Fatalf("unexpected stats after ack: %+v", stats)
		}
		if stats.Acknowledged != 1 {
			t.Fatalf("expected 1 acknowledged marker, got %d", stats.Acknowledged)
		}
	})
}

func TestLastSweepTime(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, mock *clock.Mock) {
		ctx := context.Background()
		last, err := s.GetLastSweepTime(ctx)
		if err != nil {
			t.Fatalf("get last sweep: %v", err)
		}
		if !last.IsZero() {
			t.Fatalf("expected zero last sweep, got %v", last)
		}

		if err := s.SetLastSweepTime(ctx, epoch); err != nil {
			t.Fatalf("set last sweep: %v", err)
		}
		last, err = s.GetLastSweepTime(ctx)
		if err != nil {
			t.Fatalf("get last sweep: %v", err)
		}
		if !last.Equal(epoch) {
			t.Fatalf("expected %v, got %v", epoch, last)
		}
	})
}

func TestBBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s := NewBBoltStore(path)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Insert(ctx, newMessage("persist-1", "r", time.Now(), time.Hour)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = NewBBoltStore(path)
	if err := s.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	pending, err := s.GetPending(ctx, "r")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "persist-1" {
		t.Fatalf("message did not survive reopen: %v", pending)
	}
}

func TestQueueKeyCodec(t *testing.T) {
	createdAt := time.Unix(0, 1712345678123456789)
	key := &QueueKey{To: "recipient-1", CreatedAt: createdAt, MsgID: "msg-1"}

	decoded, err := DecodeQueueKey(EncodeQueueKey(key))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.To != key.To || decoded.MsgID != key.MsgID || !decoded.CreatedAt.Equal(createdAt) {
		t.Fatalf("queue key mismatch: %+v", decoded)
	}

	if _, err := DecodeQueueKey([]byte("no-separator")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestExpiryKeysSortChronologically(t *testing.T) {
	early := EncodeExpiryKey("zzz", time.Unix(100, 0))
	late := EncodeExpiryKey("aaa", time.Unix(100, 1))
	if string(early) >= string(late) {
		t.Fatal("expiry keys must sort by time before id")
	}

	id, at, err := DecodeExpiryKey(late)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != "aaa" || !at.Equal(time.Unix(100, 1)) {
		t.Fatalf("unexpected decode: %s %v", id, at)
	}
}
