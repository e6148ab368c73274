package history

import (
	"testing"
	"time"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // test cleanup
	return s
}

func TestOpen_InMemory(t *testing.T) {
	s := openMemory(t)
	if s.db == nil {
		t.Fatal("expected non-nil db")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openMemory(t)
	// Running migrate again should not error
	if err := migrate(s.db); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestSaveAndList(t *testing.T) {
	s := openMemory(t)
	now := time.Now().UTC().Truncate(time.Second)

	pass := Pass{
		At:         now,
		Result:     "partial",
		WarnCount:  2,
		ErrorCount: 1,
		Digest:     "abc123",
		Duration:   1500 * time.Millisecond,
		Policies: []PolicyOutcome{
			{Name: "shop", Compiled: true},
			{Name: "blog", Compiled: true},
			{Name: "ghost", Compiled: false},
		},
	}

	if err := s.Save(pass); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	summaries, err := s.List(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 pass, got %d", len(summaries))
	}

	sm := summaries[0]
	if sm.PolicyCount != 2 {
		t.Errorf("policyCount = %d, want 2", sm.PolicyCount)
	}
	if sm.Result != "partial" {
		t.Errorf("result = %q, want partial", sm.Result)
	}
	if sm.WarnCount != 2 || sm.ErrorCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", sm.WarnCount, sm.ErrorCount)
	}
	if sm.Digest != "abc123" {
		t.Errorf("digest = %q, want abc123", sm.Digest)
	}
	if sm.DurationMs != 1500 {
		t.Errorf("durationMs = %d, want 1500", sm.DurationMs)
	}
}

func TestList_Ordering(t *testing.T) {
	s := openMemory(t)
	now := time.Now().UTC().Truncate(time.Second)

	for i := range 3 {
		if err := s.Save(Pass{At: now.Add(time.Duration(i) * time.Minute), Result: "success"}); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	summaries, err := s.List(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 passes, got %d", len(summaries))
	}
	// Should be newest first
	if !summaries[0].At.After(summaries[1].At) {
		t.Error("expected newest first ordering")
	}
}

func TestList_Limit(t *testing.T) {
	s := openMemory(t)
	now := time.Now().UTC().Truncate(time.Second)

	for i := range 5 {
		if err := s.Save(Pass{At: now.Add(time.Duration(i) * time.Minute), Result: "success"}); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	summaries, err := s.List(2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 passes (limited), got %d", len(summaries))
	}
}

func TestTrend(t *testing.T) {
	s := openMemory(t)
	now := time.Now().UTC().Truncate(time.Second)

	for i := range 3 {
		pass := Pass{
			At:     now.Add(time.Duration(i) * time.Minute),
			Result: "success",
			Policies: []PolicyOutcome{
				{Name: "shop", Compiled: i != 2},
				{Name: "blog", Compiled: true},
			},
		}
		if i == 2 {
			pass.Result = "partial"
		}
		if err := s.Save(pass); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	points, err := s.Trend("shop", 10)
	if err != nil {
		t.Fatalf("trend failed: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 trend points, got %d", len(points))
	}
	// Newest first
	if points[0].Compiled || points[0].Result != "partial" {
		t.Errorf("newest point = %+v, want failed compile in partial pass", points[0])
	}
	if !points[1].Compiled {
		t.Error("expected older point to be compiled")
	}
}

func TestTrend_NoData(t *testing.T) {
	s := openMemory(t)
	points, err := s.Trend("nonexistent", 10)
	if err != nil {
		t.Fatalf("trend failed: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("expected 0 points, got %d", len(points))
	}
}

func TestList_EmptyDB(t *testing.T) {
	s := openMemory(t)
	summaries, err := s.List(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("expected 0 passes, got %d", len(summaries))
	}
}

func TestLatest(t *testing.T) {
	s := openMemory(t)
	if p, err := s.Latest(); err != nil || p != nil {
		t.Fatalf("expected no pass, got %+v %v", p, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.Save(Pass{At: now, Result: "success"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(Pass{
		At:            now.Add(time.Minute),
		Result:        "failure",
		Error:         "no policy compiled out of 1",
		Duration:      2 * time.Second,
		ProxyHosts:    3,
		ProxyFailures: 1,
		Policies:      []PolicyOutcome{{Name: "ghost"}},
	}); err != nil {
		t.Fatal(err)
	}

	p, err := s.Latest()
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if p.Result != "failure" || p.Error != "no policy compiled out of 1" {
		t.Errorf("unexpected latest pass %+v", p)
	}
	if p.Duration != 2*time.Second || p.ProxyHosts != 3 || p.ProxyFailures != 1 {
		t.Errorf("unexpected latest counters %+v", p)
	}
	if len(p.Policies) != 1 || p.Policies[0].Name != "ghost" || p.Policies[0].Compiled {
		t.Errorf("unexpected policy outcomes %+v", p.Policies)
	}
}
