package curve

import (
	"testing"

	fpmath "curvex/internal/math"
)

func reserves() Reserves {
	// 10 ETH against 1,000,000 tokens -> spot 0.00001
	return Reserves{
		EthReserve:   10_000_000,            // 10.0 quote
		TokenReserve: 1_000_000 * 1_000_000, // 1M tokens
	}
}

func TestConstantProduct_Spot(t *testing.T) {
	p := ConstantProduct{}
	got := p.Spot(reserves())
	want := fpmath.MulDiv(10_000_000, fpmath.PriceConfig.Scale, 1_000_000*1_000_000)
	if got != want {
		t.Errorf("spot: got %d, want %d", got, want)
	}
}

func TestConstantProduct_BuyMovesPriceUp(t *testing.T) {
	p := ConstantProduct{}
	r := reserves()

	before := p.Spot(r)
	cost, after, err := p.BuyCost(r, 100_000*1_000_000)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if cost <= 0 {
		t.Fatalf("cost must be positive, got %d", cost)
	}
	if p.Spot(after) <= before {
		t.Errorf("spot must increase after buy: %d -> %d", before, p.Spot(after))
	}
	// Invariant: k does not decrease
	kBefore := fpmath.MultiplyInt128(r.EthReserve, r.TokenReserve)
	kAfter := fpmath.MultiplyInt128(after.EthReserve, after.TokenReserve)
	if kAfter.Cmp(kBefore) < 0 {
		t.Error("constant product decreased after buy")
	}
}

func TestConstantProduct_SellMovesPriceDown(t *testing.T) {
	p := ConstantProduct{}
	r := reserves()

	before := p.Spot(r)
	proceeds, after, err := p.SellReturn(r, 100_000*1_000_000)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if proceeds <= 0 || proceeds >= r.EthReserve {
		t.Fatalf("proceeds out of range: %d", proceeds)
	}
	if p.Spot(after) >= before {
		t.Errorf("spot must decrease after sell: %d -> %d", before, p.Spot(after))
	}
}

func TestConstantProduct_RoundTripLosesNothingForCurve(t *testing.T) {
	p := ConstantProduct{}
	r := reserves()

	qty := int64(50_000 * 1_000_000)
	cost, mid, err := p.BuyCost(r, qty)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	proceeds, _, err := p.SellReturn(mid, qty)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if proceeds > cost {
		t.Errorf("round trip must not profit the trader: cost=%d proceeds=%d", cost, proceeds)
	}
}

func TestConstantProduct_BuyWholeReserveRejected(t *testing.T) {
	p := ConstantProduct{}
	r := reserves()

	if _, _, err := p.BuyCost(r, r.TokenReserve); err != ErrInsufficientReserve {
		t.Errorf("want ErrInsufficientReserve, got %v", err)
	}
}
