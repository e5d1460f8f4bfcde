package broker

import (
	"encoding/json"
	"strings"
	"testing"

	"fxify-trader/internal/correlator"
	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
)

func decodeOne(t *testing.T, c correlator.Codec, frame string) []correlator.Inbound {
	t.Helper()
	out, err := c.DecodeFrame([]byte(frame))
	if err != nil {
		t.Fatalf("decode %q: %v", frame, err)
	}
	return out
}

func TestJSONFrameVariants(t *testing.T) {
	c := NewMT4Codec()

	in := decodeOne(t, c, `{"requestId":"12","result":{"ticket":5}}`)
	if len(in) != 1 || !in[0].HasID || in[0].RequestID != 12 {
		t.Fatalf("string request id not parsed: %+v", in)
	}
	if string(in[0].Data.(json.RawMessage)) != `{"ticket":5}` {
		t.Errorf("result should be used as data, got %s", in[0].Data)
	}

	in = decodeOne(t, c, `{"requestId":3,"success":false,"message":"Market closed"}`)
	if in[0].Err != "Market closed" {
		t.Errorf("expected failure message, got %q", in[0].Err)
	}

	in = decodeOne(t, c, `{"requestId":4,"error":{"code":134,"message":"not enough money"}}`)
	if in[0].Err != "not enough money" {
		t.Errorf("expected object error, got %q", in[0].Err)
	}

	if _, err := c.DecodeFrame([]byte(`{"data":{}}`)); err == nil {
		t.Error("frame without id or event should be rejected")
	}
}

func TestMT4PositionDecoding(t *testing.T) {
	c := NewMT4Codec()
	data := json.RawMessage(`{"positions":[{"ticket":1001,"symbol":"EURUSD","cmd":1,"lots":0.1,"open_price":"1.2","sl":1.21,"open_time":"2024.03.04 10:15:00"}]}`)

	positions, err := c.DecodePositions(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if p.Ticket != "1001" || p.Direction != models.DirectionSell || p.Volume != 0.1 || p.OpenPrice != 1.2 {
		t.Errorf("unexpected position %+v", p)
	}
	if p.OpenedAt.Year() != 2024 || p.OpenedAt.Hour() != 10 {
		t.Errorf("MetaTrader time not parsed: %v", p.OpenedAt)
	}
}

func TestMT4ModifyFillsUnchangedLevels(t *testing.T) {
	c := NewMT4Codec()
	sl := 1.095
	cmd, params, err := c.Request(OpModifyOrder, ModifyArgs{
		Ticket:   "77",
		Mod:      models.OrderModification{StopLoss: &sl},
		Position: &models.Position{Ticket: "77", OpenPrice: 1.1, StopLoss: 1.09, TakeProfit: 1.12},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "ORDER_MODIFY" {
		t.Errorf("unexpected command %s", cmd)
	}
	p := params.(map[string]any)
	if p["sl"] != 1.095 || p["tp"] != 1.12 || p["price"] != 1.1 {
		t.Errorf("unexpected params %v", p)
	}
}

func TestMT5PendingOrderTypes(t *testing.T) {
	c := NewMT5Codec()
	_, params, err := c.Request(OpPendingOrder, models.OrderRequest{
		Symbol: "GBPUSD", Direction: models.DirectionSell, Volume: 1, Price: 1.3, Type: models.OrderTypeStop,
	})
	if err != nil {
		t.Fatal(err)
	}
	p := params.(map[string]any)
	if p["type"] != "ORDER_TYPE_SELL_STOP" || p["action"] != "TRADE_ACTION_PENDING" {
		t.Errorf("unexpected params %v", p)
	}

	cmd, params, _ := c.Request(OpHistory, HistoricalRequest{Symbol: "EURUSD", Timeframe: "4h"})
	if cmd != "COPY_RATES_RANGE" || params.(map[string]any)["timeframe"] != "H4" {
		t.Errorf("unexpected history request %s %v", cmd, params)
	}
}

func TestJSONEventDecoding(t *testing.T) {
	c := NewMT5Codec()
	cases := []struct {
		name   string
		event  string
		data   string
		typ    events.Type
		action events.Action
	}{
		{"tick", "TICK", `{"symbol":"EURUSD","bid":1.1,"ask":1.1001}`, events.Tick, ""},
		{"position changed", "POSITION_CHANGED", `{"ticket":1,"symbol":"EURUSD","type":0}`, events.Position, events.ActionUpdate},
		{"position closed", "POSITION_CLOSE", `{"ticket":1}`, events.Position, events.ActionRemove},
		{"order update", "ORDER_UPDATE", `{"ticket":2,"type":"ORDER_TYPE_BUY_LIMIT","price_open":1.05}`, events.Order, events.ActionUpdate},
		{"order closed", "ORDER_CLOSE", `{"ticket":2}`, events.Order, events.ActionRemove},
		{"account", "ACCOUNT_CHANGED", `{"balance":5000,"equity":4900}`, events.Account, ""},
		{"error", "ERROR", `{"message":"trade context busy"}`, events.Error, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evs, err := c.DecodeEvent(correlator.Inbound{Event: tc.event, Data: json.RawMessage(tc.data)})
			if err != nil {
				t.Fatal(err)
			}
			if len(evs) != 1 {
				t.Fatalf("expected 1 event, got %d", len(evs))
			}
			if evs[0].Type != tc.typ || evs[0].Action != tc.action {
				t.Errorf("got %v/%q, want %v/%q", evs[0].Type, evs[0].Action, tc.typ, tc.action)
			}
		})
	}

	evs, err := c.DecodeEvent(correlator.Inbound{Event: "HEARTBEAT"})
	if err != nil || len(evs) != 0 {
		t.Errorf("unknown events should be ignored, got %v %v", evs, err)
	}
}

func encodeIB(t *testing.T, c *IBCodec, id int64, op Operation, args any) string {
	t.Helper()
	cmd, params, err := c.Request(op, args)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := c.EncodeRequest(id, cmd, params)
	if err != nil {
		t.Fatal(err)
	}
	return string(payload)
}

func TestIBAccountDownloadAggregates(t *testing.T) {
	c := NewIBCodec(0)
	wire := encodeIB(t, c, 5, OpAccount, nil)
	if wire != "reqAccountUpdates\t5\t1" {
		t.Errorf("unexpected wire %q", wire)
	}

	frames := []string{
		"managedAccounts\tDU123,DU456",
		"updateAccountValue\tTotalCashValue\t25000\tUSD\tDU123",
		"updateAccountValue\tNetLiquidation\t24500.5\tUSD\tDU123",
		"updateAccountValue\tMaintMarginReq\t800\tUSD\tDU123",
		"updateAccountTime\t12:30",
	}
	for _, f := range frames {
		for _, in := range decodeOne(t, c, f) {
			if in.HasID {
				t.Fatalf("reply resolved early on %q", f)
			}
		}
	}

	out := decodeOne(t, c, "accountDownloadEnd\tDU123")
	if len(out) != 1 || out[0].RequestID != 5 {
		t.Fatalf("expected reply for request 5, got %+v", out)
	}
	acct, err := c.DecodeAccount(out[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Balance != 25000 || acct.Equity != 24500.5 || acct.Margin != 800 || acct.Login != "DU123" {
		t.Errorf("unexpected account %+v", acct)
	}
	if got := c.ManagedAccounts(); len(got) != 2 {
		t.Errorf("unexpected managed accounts %v", got)
	}
}

func TestIBPositionsAndPush(t *testing.T) {
	c := NewIBCodec(0)
	encodeIB(t, c, 9, OpPositions, nil)

	decodeOne(t, c, "position\tDU123\tEURUSD\t-50000\t1.0850")
	decodeOne(t, c, "position\tDU123\tGBPUSD\t0\t0")
	out := decodeOne(t, c, "positionEnd")
	positions, err := c.DecodePositions(out[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Direction != models.DirectionSell || positions[0].Volume != 0.5 {
		t.Fatalf("unexpected positions %+v", positions)
	}

	// Outside a request, position messages are pushes.
	out = decodeOne(t, c, "position\tDU123\tEURUSD\t0\t0")
	if len(out) != 1 || out[0].Event != "position" {
		t.Fatalf("expected push, got %+v", out)
	}
	evs, _ := c.DecodeEvent(out[0])
	if evs[0].Action != events.ActionRemove {
		t.Error("flat position should remove the cache entry")
	}
}

func TestIBOrderStatusAndErrors(t *testing.T) {
	c := NewIBCodec(0)
	wire := encodeIB(t, c, 21, OpMarketOrder, models.OrderRequest{Symbol: "EURUSD", Direction: models.DirectionBuy, Volume: 0.25})
	if !strings.HasPrefix(wire, "placeOrder\t21\tEURUSD\tBUY\t25000\tMKT") {
		t.Errorf("unexpected wire %q", wire)
	}

	out := decodeOne(t, c, "orderStatus\t21\tFilled\t25000\t0\t1.0855")
	if len(out) != 1 || out[0].RequestID != 21 {
		t.Fatalf("expected reply for 21, got %+v", out)
	}
	res, _ := c.DecodeOrderResult(out[0].Data)
	if res.Ticket != "21" || res.Price != 1.0855 || res.Volume != 0.25 {
		t.Errorf("unexpected result %+v", res)
	}

	encodeIB(t, c, 22, OpMarketOrder, models.OrderRequest{Symbol: "EURUSD", Direction: models.DirectionSell, Volume: 1})
	out = decodeOne(t, c, "error\t22\t201\tOrder rejected")
	if len(out) != 1 || out[0].RequestID != 22 || !strings.Contains(out[0].Err, "Order rejected") {
		t.Fatalf("expected rejection, got %+v", out)
	}

	if out := decodeOne(t, c, "error\t-1\t2104\tMarket data farm connection is OK"); len(out) != 0 {
		t.Errorf("informational notices should be dropped, got %+v", out)
	}
	out = decodeOne(t, c, "error\t-1\t1100\tConnectivity lost")
	if len(out) != 1 || out[0].HasID || out[0].Event != "error" {
		t.Errorf("expected error push, got %+v", out)
	}

	if _, err := c.DecodeFrame([]byte("orderStatus\tabc")); err == nil {
		t.Error("truncated message should fail to decode")
	}
}

func TestIBQuoteSnapshotAndStream(t *testing.T) {
	c := NewIBCodec(0)
	encodeIB(t, c, 30, OpMarketData, "USDJPY")

	if out := decodeOne(t, c, "tickPrice\t30\t1\t150.10"); len(out) != 0 {
		t.Fatal("snapshot should wait for both sides")
	}
	out := decodeOne(t, c, "tickPrice\t30\t2\t150.12")
	quotes, err := c.DecodeQuotes(out[0].Data)
	if err != nil || len(quotes) != 1 || quotes[0].Bid != 150.10 || quotes[0].Ask != 150.12 {
		t.Fatalf("unexpected snapshot %+v %v", quotes, err)
	}

	wire := encodeIB(t, c, 31, OpSubscribe, []string{"EURUSD"})
	if wire != "reqMktData\t31\tEURUSD\t0" {
		t.Errorf("unexpected wire %q", wire)
	}
	out = decodeOne(t, c, "tickPrice\t31\t1\t1.0850")
	if len(out) != 1 || out[0].Event != "tickPrice" {
		t.Fatalf("expected tick push, got %+v", out)
	}

	if wire := encodeIB(t, c, 32, OpUnsubscribe, []string{"EURUSD"}); wire != "cancelMktData\t31" {
		t.Errorf("cancel should reference the original ticker, got %q", wire)
	}
	if out := decodeOne(t, c, "tickPrice\t31\t1\t1.0851"); len(out) != 0 {
		t.Error("ticks after cancel should be ignored")
	}
}

func TestIBForgetReleasesAbandonedReplies(t *testing.T) {
	c := NewIBCodec(0)
	encodeIB(t, c, 1, OpAccount, nil)
	encodeIB(t, c, 2, OpPositions, nil)
	encodeIB(t, c, 3, OpAccount, nil)
	encodeIB(t, c, 4, OpPositions, nil)

	// Requests 1 and 2 timed out on the caller side.
	c.Forget(1)
	c.Forget(2)

	decodeOne(t, c, "updateAccountValue\tTotalCashValue\t25000\tUSD\tDU123")
	out := decodeOne(t, c, "accountDownloadEnd\tDU123")
	if len(out) != 1 || out[0].RequestID != 3 {
		t.Fatalf("expected account reply for live request 3, got %+v", out)
	}

	decodeOne(t, c, "position\tDU123\tEURUSD\t100000\t1.0850")
	out = decodeOne(t, c, "positionEnd")
	if len(out) != 1 || out[0].RequestID != 4 {
		t.Fatalf("expected positions reply for live request 4, got %+v", out)
	}

	// With no request waiting, the next positionEnd resolves nothing.
	if out := decodeOne(t, c, "positionEnd"); len(out) != 0 {
		t.Fatalf("unexpected reply %+v", out)
	}
}
