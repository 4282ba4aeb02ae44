package knowledge

import (
	"testing"
	"time"
)

func TestNormalizeDefaults(t *testing.T) {
	l := Learning{Content: "  prefer table-driven tests  "}
	if err := l.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if l.Content != "prefer table-driven tests" {
		t.Errorf("content not trimmed: %q", l.Content)
	}
	if l.Phase != PhaseLearn {
		t.Errorf("expected default phase learn, got %q", l.Phase)
	}
	if l.Scope != ScopeGlobal {
		t.Errorf("expected default scope global, got %q", l.Scope)
	}
	if l.UtilityScore != DefaultUtility {
		t.Errorf("expected default utility %v, got %v", DefaultUtility, l.UtilityScore)
	}
}

func TestNormalizeRejectsEmptyContent(t *testing.T) {
	l := Learning{Content: "   "}
	if err := l.Normalize(); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestNormalizeRejectsUnknownPhase(t *testing.T) {
	l := Learning{Content: "x", Phase: Phase("dream")}
	if err := l.Normalize(); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestNormalizeClearsProjectIDOutsideProjectScope(t *testing.T) {
	l := Learning{Content: "x", Scope: ScopeGlobal, ProjectID: "acme"}
	if err := l.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if l.ProjectID != "" {
		t.Errorf("project id should be cleared outside project scope, got %q", l.ProjectID)
	}

	p := Learning{Content: "x", Scope: ScopeProject, ProjectID: "acme"}
	if err := p.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if p.ProjectID != "acme" {
		t.Errorf("project id should survive in project scope, got %q", p.ProjectID)
	}
}

func TestInitialUtility(t *testing.T) {
	cases := []struct {
		confidence float64
		want       float64
	}{
		{0, 0.5},
		{-1, 0.5},
		{0.5, 0.55},
		{1, 0.7},
		{2, 0.7},
	}
	for _, tc := range cases {
		if got := InitialUtility(tc.confidence); got != tc.want {
			t.Errorf("InitialUtility(%v) = %v, want %v", tc.confidence, got, tc.want)
		}
	}
}

func TestClampUtility(t *testing.T) {
	if got := ClampUtility(1.5); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	if got := ClampUtility(-0.3); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
	if got := ClampUtility(0.42); got != 0.42 {
		t.Errorf("expected 0.42, got %v", got)
	}
}

func TestLastTouched(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	accessed := created.Add(48 * time.Hour)

	l := Learning{CreatedAt: created}
	if got := l.LastTouched(); !got.Equal(created) {
		t.Errorf("expected created_at fallback, got %v", got)
	}
	l.LastAccessedAt = &accessed
	if got := l.LastTouched(); !got.Equal(accessed) {
		t.Errorf("expected last_accessed_at, got %v", got)
	}
}
