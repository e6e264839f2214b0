package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/marlowbot/marlow/internal/bus"
)

func TestLongTermReadWrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if got := s.ReadLongTerm(ctx); got != "" {
		t.Errorf("fresh store long-term = %q, want empty", got)
	}

	s.WriteLongTerm(ctx, "User prefers metric units.")
	if got := s.ReadLongTerm(ctx); got != "User prefers metric units." {
		t.Errorf("long-term = %q", got)
	}

	// Overwritten, not versioned.
	s.WriteLongTerm(ctx, "User prefers metric units. Lives in Oslo.")
	if got := s.ReadLongTerm(ctx); !strings.Contains(got, "Oslo") {
		t.Errorf("long-term not overwritten: %q", got)
	}
}

func TestHistoryAppendOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := range 3 {
		s.AppendHistory(ctx, fmt.Sprintf("consolidation %d", i))
	}

	entries := s.History(ctx, 10)
	if len(entries) != 3 {
		t.Fatalf("got %d history entries, want 3", len(entries))
	}
	if entries[0] != "consolidation 2" {
		t.Errorf("newest entry first, got %q", entries[0])
	}

	if got := s.History(ctx, 2); len(got) != 2 {
		t.Errorf("limited history returned %d entries", len(got))
	}
}

func TestSearchMemoryKeywordFallback(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if s.Semantic() {
		t.Fatal("store without embedder should use keyword search")
	}

	s.WriteLongTerm(ctx, "User runs a homelab with Proxmox and TrueNAS.")
	s.AppendHistory(ctx, "Discussed Proxmox backup scheduling.")
	s.AppendExperience(ctx, ExperienceInput{Task: "configure proxmox backups", Outcome: "success", Lessons: "vzdump nightly"})

	results := s.SearchMemory(ctx, "proxmox backup", 5)
	if len(results) == 0 {
		t.Fatal("no results for matching query")
	}
	for _, r := range results {
		if !strings.Contains(strings.ToLower(r), "proxmox") {
			t.Errorf("unrelated result: %q", r)
		}
	}

	if got := s.SearchMemory(ctx, "kubernetes ingress", 5); len(got) != 0 {
		t.Errorf("non-matching query returned %v", got)
	}
}

func TestSearchMemoryDegenerateQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := range 4 {
		s.AppendHistory(ctx, fmt.Sprintf("maintenance pass %d finished", i))
	}

	// No token survives keyword extraction; recent records still
	// come back instead of nothing.
	got := s.SearchMemory(ctx, "a ??", 2)
	if len(got) != 2 {
		t.Fatalf("degenerate query returned %d results, want 2", len(got))
	}
}

func TestSearchMemorySkipsDeprecated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.AppendExperience(ctx, ExperienceInput{Task: "mount samba share", Outcome: "success"})
	s.DeprecateSimilar(ctx, "mount samba share")

	if got := s.SearchMemory(ctx, "samba share", 5); len(got) != 0 {
		t.Errorf("deprecated record surfaced in memory search: %v", got)
	}
}

func TestSearchMemoryLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := range 6 {
		s.AppendHistory(ctx, fmt.Sprintf("backup run %d completed", i))
	}
	if got := s.SearchMemory(ctx, "backup run", 3); len(got) != 3 {
		t.Errorf("got %d results, want 3", len(got))
	}
}

func TestStoreEvents(t *testing.T) {
	b := bus.New()
	s, err := Open(t.TempDir()+"/memory.db", WithBus(b))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	events := b.Subscribe(16)
	defer b.Unsubscribe(events)

	s.AppendExperience(context.Background(), ExperienceInput{Task: "emit events", Outcome: "success"})

	select {
	case e := <-events:
		if e.Source != bus.SourceMemory || e.Kind != bus.KindExperienceRecorded {
			t.Errorf("event = %s/%s", e.Source, e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published for new experience")
	}
}

// fakeEmbedder returns deterministic vectors: texts sharing a word get
// identical embeddings, so similarity is 1 for related text.
type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedder offline")
	}
	vec := make([]float32, 8)
	for _, k := range ExtractKeywords(text) {
		vec[len(k)%8]++
	}
	return vec, nil
}

func TestSemanticProbe(t *testing.T) {
	s, err := Open(t.TempDir()+"/memory.db", WithEmbedder(&fakeEmbedder{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if !s.Semantic() {
		t.Error("working embedder not detected by probe")
	}

	s2, err := Open(t.TempDir()+"/memory.db", WithEmbedder(&fakeEmbedder{fail: true}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()
	if s2.Semantic() {
		t.Error("failing embedder should fall back to keyword search")
	}
}

func TestSemanticSearchRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir()+"/memory.db", WithEmbedder(&fakeEmbedder{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.WriteLongTerm(ctx, "likes espresso")
	s.AppendExperience(ctx, ExperienceInput{Task: "brew espresso", Outcome: "success", Lessons: "preheat the cup"})

	if got := s.SearchMemory(ctx, "espresso", 5); len(got) == 0 {
		t.Error("semantic memory search returned nothing")
	}
	if got := s.SearchExperience(ctx, "espresso brewing", 5); len(got) == 0 {
		t.Error("semantic experience search returned nothing")
	}
}
