package usage

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func TestCursorRoundtrip(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC)

	gotTS, gotID, err := DecodeCursor(EncodeCursor(ts, "rec-1"))
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != "rec-1" {
		t.Errorf("roundtrip mismatch: %v %q", gotTS, gotID)
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	for _, c := range []string{"!!!", "bm9waXBl", "eHx5"} {
		if _, _, err := DecodeCursor(c); err == nil {
			t.Errorf("expected error for cursor %q", c)
		}
	}
}

func TestPage(t *testing.T) {
	now := time.Now()
	recs := []*Record{
		{ID: "a", CreatedAt: now},
		{ID: "b", CreatedAt: now.Add(-time.Second)},
		{ID: "c", CreatedAt: now.Add(-2 * time.Second)},
	}

	page, next := Page(recs, 2)
	if len(page) != 2 || next == "" {
		t.Fatalf("expected 2 rows and a cursor, got %d %q", len(page), next)
	}
	_, id, err := DecodeCursor(next)
	if err != nil || id != "b" {
		t.Errorf("cursor should point at last row on page, got %q (%v)", id, err)
	}

	page, next = Page(recs, 3)
	if len(page) != 3 || next != "" {
		t.Errorf("expected final page without cursor, got %d %q", len(page), next)
	}
}

func TestPageNonPositiveLimit(t *testing.T) {
	recs := make([]*Record, DefaultLimit+1)
	for i := range recs {
		recs[i] = &Record{ID: fmt.Sprintf("r%d", i), CreatedAt: time.Unix(int64(1000-i), 0)}
	}

	for _, limit := range []int{0, -1} {
		page, next := Page(recs, limit)
		if len(page) != DefaultLimit || next == "" {
			t.Errorf("limit %d: got %d rows, cursor %q", limit, len(page), next)
		}
	}
}

func TestPricingCost(t *testing.T) {
	p := Pricing{
		"gpt-4o":           {PromptPer1K: 0.005, CompletionPer1K: 0.015},
		"azure/gpt-4o":     {PromptPer1K: 0.006, CompletionPer1K: 0.018},
		"claude-3-5-haiku": {PromptPer1K: 0.001, CompletionPer1K: 0.005},
	}

	tests := []struct {
		name   string
		usage  ModelUsage
		want   float64
		priced bool
	}{
		{"bare model", ModelUsage{Provider: "openai", Model: "gpt-4o", PromptTokens: 1000, CompletionTokens: 2000}, 0.035, true},
		{"provider override", ModelUsage{Provider: "azure", Model: "gpt-4o", PromptTokens: 1000, CompletionTokens: 1000}, 0.024, true},
		{"unpriced", ModelUsage{Provider: "x", Model: "mystery", PromptTokens: 1000}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.Cost(tt.usage)
			if ok != tt.priced {
				t.Errorf("priced: expected %v, got %v", tt.priced, ok)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cost: expected %f, got %f", tt.want, got)
			}
		})
	}
}

func TestPricingReportOrdersByCost(t *testing.T) {
	p := Pricing{"cheap": {PromptPer1K: 0.001}, "dear": {PromptPer1K: 1}}

	lines, total := p.Report([]ModelUsage{
		{Model: "cheap", PromptTokens: 1000},
		{Model: "unknown", PromptTokens: 5000},
		{Model: "dear", PromptTokens: 2000},
	})

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0].Model != "dear" || lines[1].Model != "cheap" || lines[2].Model != "unknown" {
		t.Errorf("unexpected order: %s %s %s", lines[0].Model, lines[1].Model, lines[2].Model)
	}
	if lines[2].Priced {
		t.Error("unknown model should be marked unpriced")
	}
	if math.Abs(total-2.001) > 1e-9 {
		t.Errorf("expected total 2.001, got %f", total)
	}
}
