package billing

import (
	"math"
	"testing"
)

func TestCostReferencePoints(t *testing.T) {
	p := DefaultPricing()
	if got := p.Cost(1_000_000, 0); got != 15.0 {
		t.Fatalf("expected 15.0 for one million prompt tokens, got %v", got)
	}
	if got := p.Cost(0, 1_000_000); got != 60.0 {
		t.Fatalf("expected 60.0 for one million completion tokens, got %v", got)
	}
	if got := p.Cost(0, 0); got != 0 {
		t.Fatalf("expected zero cost, got %v", got)
	}
}

func TestCostIsLinear(t *testing.T) {
	p := DefaultPricing()
	inputs := []struct{ prompt, completion int64 }{
		{1, 1}, {120, 830}, {4096, 12000}, {999_999, 1}, {50_000, 250_000},
	}
	for _, a := range inputs {
		for _, b := range inputs {
			sum := p.Cost(a.prompt, a.completion) + p.Cost(b.prompt, b.completion)
			combined := p.Cost(a.prompt+b.prompt, a.completion+b.completion)
			if math.Abs(sum-combined) > 1e-12 {
				t.Fatalf("cost(%v)+cost(%v)=%v, cost(sum)=%v", a, b, sum, combined)
			}
		}
		doubled := p.Cost(2*a.prompt, 2*a.completion)
		if math.Abs(doubled-2*p.Cost(a.prompt, a.completion)) > 1e-12 {
			t.Fatalf("cost is not homogeneous for %v", a)
		}
	}
}

func TestCostTypicalO1Call(t *testing.T) {
	// 1200 prompt tokens, 3400 completion tokens (reasoning included).
	got := DefaultPricing().Cost(1200, 3400)
	want := 0.018 + 0.204
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestValidateRejectsNegativePrices(t *testing.T) {
	if err := (Pricing{InputPerMillion: -1, OutputPerMillion: 60}).Validate(); err == nil {
		t.Fatalf("expected error for negative input price")
	}
	if err := (Pricing{InputPerMillion: 15, OutputPerMillion: math.NaN()}).Validate(); err == nil {
		t.Fatalf("expected error for NaN output price")
	}
	if err := DefaultPricing().Validate(); err != nil {
		t.Fatalf("default pricing should validate: %v", err)
	}
}

func TestFormatUSDClampsDecimals(t *testing.T) {
	if got := FormatUSD(1.5, 0); got != "$1.50" {
		t.Fatalf("expected $1.50, got %s", got)
	}
	if got := FormatUSD(0.0123456789, 9); got != "$0.012346" {
		t.Fatalf("expected $0.012346, got %s", got)
	}
	if got := ToMicros(0.222); got != 222000 {
		t.Fatalf("expected 222000 micros, got %d", got)
	}
}
