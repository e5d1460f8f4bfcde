package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
	"fxify-trader/internal/transport"
)

type bridgeRequest struct {
	RequestID int64          `json:"requestId"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params"`
}

// scriptedBridge is a line-JSON bridge on loopback that answers each
// request with the reply produced by handle.
type scriptedBridge struct {
	ln       net.Listener
	handle   func(req bridgeRequest) string
	requests chan bridgeRequest

	mu   sync.Mutex
	conn net.Conn
}

func newScriptedBridge(t *testing.T, handle func(req bridgeRequest) string) *scriptedBridge {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &scriptedBridge{ln: ln, handle: handle, requests: make(chan bridgeRequest, 64)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			go b.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *scriptedBridge) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req bridgeRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		b.requests <- req
		if resp := b.handle(req); resp != "" {
			b.write(resp)
		}
	}
}

func (b *scriptedBridge) write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Write([]byte(line + "\n"))
	}
}

func (b *scriptedBridge) next(t *testing.T, command string) bridgeRequest {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case req := <-b.requests:
			if req.Command == command {
				return req
			}
		case <-deadline:
			t.Fatalf("bridge never received %s", command)
			return bridgeRequest{}
		}
	}
}

func ok(req bridgeRequest, data string) string {
	return fmt.Sprintf(`{"requestId":%d,"data":%s}`, req.RequestID, data)
}

func testClient(codec Codec, addr string, creds Credentials) *Client {
	cfg := transport.DefaultConfig(addr)
	cfg.ConnectTimeout = time.Second
	cfg.WriteInterval = 0
	cfg.MaxReconnectAttempts = 0
	cfg.DisconnectTimeout = 500 * time.Millisecond
	return NewClient(codec, Options{
		Name:           "test",
		Address:        addr,
		Credentials:    creds,
		Transport:      &cfg,
		CommandTimeout: 2 * time.Second,
	})
}

func mt5Handler(req bridgeRequest) string {
	switch req.Command {
	case "AUTHORIZE":
		if req.Params["password"] != "secret" {
			return fmt.Sprintf(`{"requestId":%d,"error":"invalid account"}`, req.RequestID)
		}
		return ok(req, `{"authorized":true}`)
	case "ACCOUNT_INFO":
		return ok(req, `{"login":123,"currency":"USD","balance":10000,"equity":9950,"margin":120,"margin_free":9830,"leverage":100}`)
	case "POSITIONS_GET":
		return ok(req, `[{"ticket":7,"symbol":"EURUSD","type":"POSITION_TYPE_SELL","volume":0.3,"price_open":1.1,"sl":1.12,"profit":-12.5}]`)
	case "ORDER_SEND":
		if req.Params["symbol"] == "XAUUSD" {
			return fmt.Sprintf(`{"requestId":%d,"error":"Not enough money"}`, req.RequestID)
		}
		return ok(req, `{"ticket":42,"price":1.1012,"volume":0.5}`)
	case "POSITION_CLOSE":
		return ok(req, `{"ticket":42}`)
	case "SYMBOL_INFO_TICK":
		return ok(req, fmt.Sprintf(`{"symbol":%q,"bid":1.1,"ask":1.1002,"time":1700000000}`, req.Params["symbol"]))
	case "SUBSCRIBE_TICKS":
		return ok(req, `{}`)
	}
	return ""
}

func TestClientRequiresConnection(t *testing.T) {
	c := NewClient(NewMT5Codec(), Options{Address: "127.0.0.1:1"})

	_, err := c.GetAccountInfo(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)

	_, err = c.PlaceMarketOrder(context.Background(), models.OrderRequest{Symbol: "EURUSD", Direction: models.DirectionBuy, Volume: 1})
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestClientAuthenticatesAndQueriesAccount(t *testing.T) {
	bridge := newScriptedBridge(t, mt5Handler)
	c := testClient(NewMT5Codec(), bridge.ln.Addr().String(), Credentials{Login: "123", Password: "secret", Server: "FXIFY-Demo"})

	connected, token := c.Events().Channel(events.Connected, 1)
	defer c.Events().Unsubscribe(token)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	auth := bridge.next(t, "AUTHORIZE")
	assert.Equal(t, "FXIFY-Demo", auth.Params["server"])

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}

	acct, err := c.GetAccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, acct.Balance)
	assert.Equal(t, 9950.0, acct.Equity)
	assert.Equal(t, 9830.0, acct.FreeMargin)
	assert.Equal(t, "123", acct.Login)

	cached, found := c.Cache().Account()
	require.True(t, found)
	assert.Equal(t, 9950.0, cached.Equity)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.DirectionSell, positions[0].Direction)
	assert.Equal(t, "7", positions[0].Ticket)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, transport.StateClosed, c.State())
}

func TestClientAuthenticationFailure(t *testing.T) {
	bridge := newScriptedBridge(t, mt5Handler)
	c := testClient(NewMT5Codec(), bridge.ln.Addr().String(), Credentials{Login: "123", Password: "wrong"})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
	assert.False(t, c.IsConnected())
}

func TestClientOrderLifecycleUpdatesCache(t *testing.T) {
	bridge := newScriptedBridge(t, mt5Handler)
	c := testClient(NewMT5Codec(), bridge.ln.Addr().String(), Credentials{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	res, err := c.PlaceMarketOrder(context.Background(), models.OrderRequest{
		Symbol:    "EURUSD",
		Direction: models.DirectionBuy,
		Volume:    0.5,
		StopLoss:  1.09,
		Comment:   "test",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "42", res.Ticket)

	sent := bridge.next(t, "ORDER_SEND")
	assert.Equal(t, "TRADE_ACTION_DEAL", sent.Params["action"])
	assert.Equal(t, "ORDER_TYPE_BUY", sent.Params["type"])

	pos, found := c.Cache().Position("42")
	require.True(t, found)
	assert.Equal(t, 1.1012, pos.OpenPrice)
	assert.Equal(t, 1.09, pos.StopLoss)

	closed, err := c.ClosePosition(context.Background(), "42", 0)
	require.NoError(t, err)
	assert.True(t, closed.Success)
	_, found = c.Cache().Position("42")
	assert.False(t, found)
}

func TestClientBridgeErrorSurfaces(t *testing.T) {
	bridge := newScriptedBridge(t, mt5Handler)
	c := testClient(NewMT5Codec(), bridge.ln.Addr().String(), Credentials{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	_, err := c.PlaceMarketOrder(context.Background(), models.OrderRequest{Symbol: "XAUUSD", Direction: models.DirectionSell, Volume: 1})
	var bridgeErr *apperrors.BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, "ORDER_SEND", bridgeErr.Command)
	assert.Equal(t, "Not enough money", bridgeErr.Message)
}

func TestClientPushEventsReachBusAndCache(t *testing.T) {
	bridge := newScriptedBridge(t, mt5Handler)
	c := testClient(NewMT5Codec(), bridge.ln.Addr().String(), Credentials{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	ticks, tickToken := c.Events().Channel(events.Tick, 4)
	defer c.Events().Unsubscribe(tickToken)
	positions, posToken := c.Events().Channel(events.Position, 4)
	defer c.Events().Unsubscribe(posToken)

	bridge.write(`not json at all`)
	bridge.write(`{"event":"TICK","data":{"symbol":"GBPUSD","bid":1.25,"ask":1.2502}}`)
	bridge.write(`{"event":"POSITION_UPDATE","data":{"ticket":9,"symbol":"GBPUSD","type":0,"volume":1}}`)
	bridge.write(`{"event":"POSITION_CLOSE","data":{"ticket":9}}`)

	select {
	case e := <-ticks:
		assert.Equal(t, "GBPUSD", e.Quote.Symbol)
		assert.Equal(t, "test", e.Broker)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick event")
	}
	for _, want := range []events.Action{events.ActionUpdate, events.ActionRemove} {
		select {
		case e := <-positions:
			assert.Equal(t, want, e.Action)
		case <-time.After(2 * time.Second):
			t.Fatal("no position event")
		}
	}

	q, found := c.Cache().Quote("GBPUSD")
	require.True(t, found)
	assert.Equal(t, 1.25, q.Bid)
	_, found = c.Cache().Position("9")
	assert.False(t, found)

	// The malformed frame did not break the connection.
	quotes, err := c.GetMarketData(context.Background(), []string{"EURUSD", "USDJPY"})
	require.NoError(t, err)
	assert.Len(t, quotes, 2)
}

func TestClientUnexpectedCloseRejectsPendingAndPublishes(t *testing.T) {
	bridge := newScriptedBridge(t, func(req bridgeRequest) string { return "" })
	c := testClient(NewMT5Codec(), bridge.ln.Addr().String(), Credentials{})
	require.NoError(t, c.Connect(context.Background()))

	disconnected, token := c.Events().Channel(events.Disconnected, 1)
	defer c.Events().Unsubscribe(token)

	errs := make(chan error, 1)
	go func() {
		_, err := c.GetAccountInfo(context.Background())
		errs <- err
	}()
	bridge.next(t, "ACCOUNT_INFO")

	bridge.mu.Lock()
	bridge.conn.Close()
	bridge.mu.Unlock()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, apperrors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected")
	}
	select {
	case e := <-disconnected:
		assert.ErrorIs(t, e.Err, apperrors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnected event")
	}
}

func TestClientSubscriptionsTracked(t *testing.T) {
	bridge := newScriptedBridge(t, mt5Handler)
	c := testClient(NewMT5Codec(), bridge.ln.Addr().String(), Credentials{})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	require.NoError(t, c.SubscribeMarketData(context.Background(), []string{"USDJPY", "EURUSD"}))
	req := bridge.next(t, "SUBSCRIBE_TICKS")
	assert.Len(t, req.Params["symbols"], 2)
	assert.Equal(t, []string{"EURUSD", "USDJPY"}, c.Subscriptions())

	err := c.SubscribeMarketData(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrder)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []BrokerType{BrokerIB, BrokerMT4, BrokerMT5, BrokerPaper}, r.Types())

	b, err := r.New(ParseBrokerType(" MT5 "), Options{Name: "live", Address: "127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, BrokerMT5, b.Type())
	assert.Equal(t, "live", b.Name())

	_, err = r.New("ctrader", Options{})
	assert.ErrorIs(t, err, apperrors.ErrUnknownBroker)
}
