package broker

import (
	"context"
	"math"
	"testing"

	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/models"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestPaperBrokerFillsAndRealizes(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(PaperBrokerConfig{InitialBalance: 10000})

	if _, err := p.GetAccountInfo(ctx); err != apperrors.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	p.Connect(ctx)

	p.UpdateQuote(models.Quote{Symbol: "EURUSD", Bid: 1.1000, Ask: 1.1002})
	res, err := p.PlaceMarketOrder(ctx, models.OrderRequest{Symbol: "EURUSD", Direction: models.DirectionBuy, Volume: 1})
	if err != nil || !res.Success {
		t.Fatalf("order failed: %v %+v", err, res)
	}
	if res.Price != 1.1002 {
		t.Errorf("buy should fill at ask, got %v", res.Price)
	}

	p.UpdateQuote(models.Quote{Symbol: "EURUSD", Bid: 1.0952, Ask: 1.0954})
	acct, _ := p.GetAccountInfo(ctx)
	if !approx(acct.Equity, 9500) || acct.Balance != 10000 {
		t.Errorf("expected equity 9500 with balance untouched, got %+v", acct)
	}

	if _, err := p.ClosePosition(ctx, res.Ticket, 0); err != nil {
		t.Fatal(err)
	}
	acct, _ = p.GetAccountInfo(ctx)
	if !approx(acct.Balance, 9500) || !approx(acct.Equity, 9500) {
		t.Errorf("loss should be realized, got %+v", acct)
	}
	if _, ok := p.Cache().Position(res.Ticket); ok {
		t.Error("closed position should leave the cache")
	}
}

func TestPaperBrokerPendingOrderTriggers(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(PaperBrokerConfig{})
	p.Connect(ctx)

	res, err := p.PlacePendingOrder(ctx, models.OrderRequest{
		Symbol: "GBPUSD", Direction: models.DirectionSell, Volume: 0.5, Price: 1.2600, Type: models.OrderTypeLimit,
	})
	if err != nil {
		t.Fatal(err)
	}

	p.UpdateQuote(models.Quote{Symbol: "GBPUSD", Bid: 1.2550, Ask: 1.2552})
	if orders, _ := p.GetOrders(ctx); len(orders) != 1 {
		t.Fatalf("order should still rest, got %d", len(orders))
	}

	p.UpdateQuote(models.Quote{Symbol: "GBPUSD", Bid: 1.2601, Ask: 1.2603})
	orders, _ := p.GetOrders(ctx)
	positions, _ := p.GetPositions(ctx)
	if len(orders) != 0 || len(positions) != 1 {
		t.Fatalf("sell limit should fill: orders=%d positions=%d", len(orders), len(positions))
	}
	if positions[0].Direction != models.DirectionSell || positions[0].Ticket == res.Ticket {
		t.Errorf("unexpected fill %+v", positions[0])
	}
}

func TestPaperBrokerPartialClose(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(PaperBrokerConfig{})
	p.Connect(ctx)
	p.UpdateQuote(models.Quote{Symbol: "USDJPY", Bid: 150, Ask: 150.02})

	res, _ := p.PlaceMarketOrder(ctx, models.OrderRequest{Symbol: "USDJPY", Direction: models.DirectionSell, Volume: 2})
	if _, err := p.ClosePosition(ctx, res.Ticket, 0.5); err != nil {
		t.Fatal(err)
	}
	pos, ok := p.Cache().Position(res.Ticket)
	if !ok || pos.Volume != 1.5 {
		t.Errorf("expected 1.5 lots left, got %+v", pos)
	}

	if _, err := p.ClosePosition(ctx, "missing", 0); err == nil {
		t.Error("closing an unknown ticket should fail")
	}
}
