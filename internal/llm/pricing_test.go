package llm

import (
	"math"
	"testing"

	"github.com/drjanduffy/heyberkshire/internal/resilience"
)

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s: got %f, want %f", name, got, want)
	}
}

func TestPriceItemizesAllTokenClasses(t *testing.T) {
	cost, err := Price("claude-sonnet-4-5", Usage{
		InputTokens:      1_000_000,
		OutputTokens:     1_000_000,
		CacheWriteTokens: 1_000_000,
		CacheReadTokens:  1_000_000,
	})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	approx(t, "input", cost.Input, 3.00)
	approx(t, "output", cost.Output, 15.00)
	approx(t, "cache write", cost.CacheWrite, 3.75)
	approx(t, "cache read", cost.CacheRead, 0.30)
	approx(t, "total", cost.Total, 22.05)
}

func TestPriceIsDeterministic(t *testing.T) {
	usage := Usage{InputTokens: 1234, OutputTokens: 567}
	a, err := Price("claude-haiku-4-5", usage)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	b, _ := Price("claude-haiku-4-5", usage)
	if a.Total != b.Total {
		t.Errorf("same inputs priced differently: %f vs %f", a.Total, b.Total)
	}
}

func TestPriceUnknownModel(t *testing.T) {
	_, err := Price("claude-nonexistent", Usage{InputTokens: 1})
	if !resilience.IsValidation(err) {
		t.Errorf("unknown model must be a validation error, got %v", err)
	}
}

func TestPriceZeroUsage(t *testing.T) {
	cost, err := Price("claude-opus-4-1", Usage{})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if cost.Total != 0 {
		t.Errorf("zero usage must cost zero, got %f", cost.Total)
	}
}
