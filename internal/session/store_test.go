package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type storeFactory func(t *testing.T) Store

func storeFactories(t *testing.T) map[string]storeFactory {
	t.Helper()
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewInMemoryStore(time.Hour) },
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), url, time.Hour)
			if err != nil {
				t.Fatalf("NewPostgresStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return factories
}

func testID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestStoreEnsureIsIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory(t)
			id := testID("ensure")

			first, created, err := st.Ensure(ctx, id)
			if err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}
			if !created {
				t.Fatalf("Ensure() created = false on first call")
			}
			if err := st.AppendTurn(ctx, id, Turn{Role: RoleUser, Text: "hello"}); err != nil {
				t.Fatalf("AppendTurn() error = %v", err)
			}

			second, created, err := st.Ensure(ctx, id)
			if err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}
			if created {
				t.Fatalf("Ensure() created = true on second call")
			}
			if len(second.Turns) != 1 {
				t.Fatalf("len(Turns) = %d, want 1", len(second.Turns))
			}
			if !second.ExpiresAt.Equal(first.ExpiresAt) {
				t.Fatalf("ExpiresAt moved from %s to %s", first.ExpiresAt, second.ExpiresAt)
			}
		})
	}
}

func TestStoreTurnsAreOrderedAndSummarised(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory(t)
			id := testID("turns")

			if err := st.AppendTurn(ctx, id, Turn{Role: RoleUser, Text: "My MRN is MRN-5001"}); err != nil {
				t.Fatalf("AppendTurn() error = %v", err)
			}
			if err := st.AppendTurn(ctx, id, Turn{Role: RoleAssistant, Text: "Found you", Agent: "triage-agent", ToolCalls: []string{"lookup_patient"}}); err != nil {
				t.Fatalf("AppendTurn() error = %v", err)
			}

			s, err := st.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if len(s.Turns) != 2 || s.Turns[0].Role != RoleUser || s.Turns[1].Role != RoleAssistant {
				t.Fatalf("Turns = %+v, want user then assistant", s.Turns)
			}
			if s.Turns[1].Timestamp.Before(s.Turns[0].Timestamp) {
				t.Fatalf("turn timestamps out of order: %+v", s.Turns)
			}
			if s.LastAgent != "triage-agent" {
				t.Fatalf("LastAgent = %q, want triage-agent", s.LastAgent)
			}
			if len(s.LastToolCalls) != 1 || s.LastToolCalls[0] != "lookup_patient" {
				t.Fatalf("LastToolCalls = %v, want [lookup_patient]", s.LastToolCalls)
			}
		})
	}
}

func TestStorePatientLinkageAndHandoff(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory(t)
			id := testID("patient")

			if _, err := st.ConversationLinkage(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("ConversationLinkage(missing) error = %v, want ErrNotFound", err)
			}
			if err := st.MarkPatientVerified(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("MarkPatientVerified(missing) error = %v, want ErrNotFound", err)
			}

			patient := PatientContext{MRN: "MRN-5001", Name: "Khalid Al-Rashid", PhoneMasked: "+9715****567", DOB: "1985-03-12"}
			if err := st.SetPatientContext(ctx, id, patient, false); err != nil {
				t.Fatalf("SetPatientContext() error = %v", err)
			}
			if err := st.MarkPatientVerified(ctx, id); err != nil {
				t.Fatalf("MarkPatientVerified() error = %v", err)
			}
			link := Linkage{ConversationID: "conv_1", LastResponseID: "resp_1"}
			if err := st.SetConversationLinkage(ctx, id, link); err != nil {
				t.Fatalf("SetConversationLinkage() error = %v", err)
			}
			if err := st.RecordHandoff(ctx, id, "triage-agent", "human:billing"); err != nil {
				t.Fatalf("RecordHandoff() error = %v", err)
			}

			got, err := st.ConversationLinkage(ctx, id)
			if err != nil {
				t.Fatalf("ConversationLinkage() error = %v", err)
			}
			if got != link {
				t.Fatalf("ConversationLinkage() = %+v, want %+v", got, link)
			}

			s, err := st.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !s.PatientVerified || s.Patient == nil || s.Patient.VerifiedAt == nil {
				t.Fatalf("patient = %+v verified=%v, want verified with timestamp", s.Patient, s.PatientVerified)
			}
			if s.HandoffCount != 1 || s.LastAgent != "human:billing" {
				t.Fatalf("HandoffCount = %d LastAgent = %q", s.HandoffCount, s.LastAgent)
			}
			last := s.Turns[len(s.Turns)-1]
			if last.Event != EventHandoff || last.FromAgent != "triage-agent" || last.ToAgent != "human:billing" {
				t.Fatalf("handoff turn = %+v", last)
			}
		})
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory(t)
			id := testID("delete")
			if _, _, err := st.Ensure(ctx, id); err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}
			if err := st.Delete(ctx, id); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := st.Delete(ctx, id); err != nil {
				t.Fatalf("Delete() second call error = %v", err)
			}
			if _, err := st.Get(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreConcurrentAppendsAreNotLost(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := factory(t)
			id := testID("concurrent")
			if _, _, err := st.Ensure(ctx, id); err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}

			const writers = 16
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := st.AppendTurn(ctx, id, Turn{Role: RoleUser, Text: fmt.Sprintf("msg %d", i)}); err != nil {
						t.Errorf("AppendTurn() error = %v", err)
					}
				}(i)
			}
			wg.Wait()

			s, err := st.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if len(s.Turns) != writers {
				t.Fatalf("len(Turns) = %d, want %d", len(s.Turns), writers)
			}
		})
	}
}

func TestInMemoryExpiryRecreatesTransparently(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore(time.Hour)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	if err := st.AppendTurn(ctx, "S1", Turn{Role: RoleUser, Text: "hello"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := st.Get(ctx, "S1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(expired) error = %v, want ErrNotFound", err)
	}
	s, created, err := st.Ensure(ctx, "S1")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !created || len(s.Turns) != 0 {
		t.Fatalf("Ensure(expired) created = %v turns = %d, want fresh session", created, len(s.Turns))
	}
	if !s.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %s, want %s", s.ExpiresAt, now.Add(time.Hour))
	}
}

func TestInMemoryListRecentOrdersByUpdate(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore(time.Hour)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	for _, id := range []string{"A", "B", "C"} {
		_ = st.AppendTurn(ctx, id, Turn{Role: RoleUser, Text: "hi"})
		now = now.Add(time.Minute)
	}
	_ = st.AppendTurn(ctx, "A", Turn{Role: RoleUser, Text: "again"})

	got, err := st.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(got) != 2 || got[0].SessionID != "A" || got[1].SessionID != "C" {
		t.Fatalf("ListRecent() = %+v, want [A C]", got)
	}
	if got[0].TurnCount != 2 {
		t.Fatalf("TurnCount = %d, want 2", got[0].TurnCount)
	}
}

func TestJanitorPurgesExpired(t *testing.T) {
	st := NewInMemoryStore(time.Hour)
	var mu sync.Mutex
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	purged := make(chan string, 1)
	st.SetExpireHook(func(s *Session) { purged <- s.ID })

	if _, _, err := st.Ensure(context.Background(), "S1"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartJanitor(ctx, st, 10*time.Millisecond, zerolog.Nop())

	select {
	case id := <-purged:
		if id != "S1" {
			t.Fatalf("purged = %q, want S1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not purge the expired session")
	}
	if n, _ := st.Count(context.Background()); n != 0 {
		t.Fatalf("Count() = %d, want 0", n)
	}
}
