package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fxify-trader/internal/correlator"
	"fxify-trader/internal/events"
	"fxify-trader/internal/models"
	"fxify-trader/internal/transport"
)

// jsonRequest is the outbound frame of the line-JSON bridges.
type jsonRequest struct {
	RequestID int64  `json:"requestId"`
	Command   string `json:"command"`
	Params    any    `json:"params,omitempty"`
}

// jsonFrame is any inbound frame of the line-JSON bridges.
type jsonFrame struct {
	RequestID json.RawMessage `json:"requestId"`
	Event     string          `json:"event"`
	Error     json.RawMessage `json:"error"`
	Success   *bool           `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Result    json.RawMessage `json:"result"`
}

// jsonCodec holds the encoding and decoding shared by the MT4 and MT5
// bridges. Field names differ between bridge builds, so decoding accepts
// every alias seen in the wild.
type jsonCodec struct{}

func (jsonCodec) Framer() transport.Framer {
	return transport.LineFramer()
}

func (jsonCodec) Acknowledged(Operation) bool {
	return true
}

func (jsonCodec) EncodeRequest(id int64, command string, params any) ([]byte, error) {
	return json.Marshal(jsonRequest{RequestID: id, Command: command, Params: params})
}

func (jsonCodec) DecodeFrame(frame []byte) ([]correlator.Inbound, error) {
	var f jsonFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, err
	}

	in := correlator.Inbound{Event: f.Event}
	if id, ok := parseRequestID(f.RequestID); ok {
		in.RequestID = id
		in.HasID = true
	}
	if len(f.Data) > 0 && string(f.Data) != "null" {
		in.Data = f.Data
	} else {
		in.Data = f.Result
	}

	in.Err = errorText(f.Error)
	if in.Err == "" && f.Success != nil && !*f.Success {
		in.Err = f.Message
		if in.Err == "" {
			in.Err = "request failed"
		}
	}

	if !in.HasID && in.Event == "" {
		return nil, fmt.Errorf("frame has neither requestId nor event")
	}
	return []correlator.Inbound{in}, nil
}

func parseRequestID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// errorText flattens the error member, which bridges send as a string, an
// object with a message or a bare flag.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "false" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message     string `json:"message"`
		Description string `json:"description"`
		Code        int    `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		switch {
		case obj.Message != "":
			return obj.Message
		case obj.Description != "":
			return obj.Description
		case obj.Code != 0:
			return fmt.Sprintf("bridge error %d", obj.Code)
		}
	}
	return string(raw)
}

// record is one decoded JSON object with alias-tolerant accessors.
type record map[string]any

func (r record) value(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (r record) str(keys ...string) string {
	v, ok := r.value(keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func (r record) num(keys ...string) float64 {
	v, ok := r.value(keys...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	}
	return 0
}

func (r record) has(keys ...string) bool {
	_, ok := r.value(keys...)
	return ok
}

func (r record) time(keys ...string) time.Time {
	v, ok := r.value(keys...)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case float64:
		return epochTime(t)
	case string:
		return parseTimeString(t)
	}
	return time.Time{}
}

// epochTime accepts seconds or milliseconds since the epoch.
func epochTime(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006.01.02 15:04:05",
	"2006.01.02 15:04",
	"2006-01-02 15:04:05",
	"20060102  15:04:05",
	"20060102 15:04:05",
	"20060102",
}

func parseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.ContainsAny(s, ".-: ") {
		if len(s) != 8 {
			return epochTime(f)
		}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func rawBytes(data any) (json.RawMessage, error) {
	switch t := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return t, nil
	case string:
		return json.RawMessage(t), nil
	}
	return nil, fmt.Errorf("unexpected payload type %T", data)
}

func decodeRecord(data any) (record, error) {
	raw, err := rawBytes(data)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return record{}, nil
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// decodeList accepts a bare array, a single object, or an object wrapping
// the array under one of keys.
func decodeList(data any, keys ...string) ([]record, error) {
	raw, err := rawBytes(data)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []record
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if inner, ok := obj[k]; ok {
			return decodeList(inner)
		}
	}
	var single record
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	if len(single) == 0 {
		return nil, nil
	}
	return []record{single}, nil
}

// sideAndType maps the MetaTrader operation codes (numeric or symbolic) to
// a direction and order type. Codes 0-7 are shared by MT4 and MT5.
func sideAndType(v any) (models.Direction, models.OrderType) {
	switch t := v.(type) {
	case float64:
		return sideFromCode(int(t))
	case string:
		s := strings.ToUpper(strings.TrimSpace(t))
		if n, err := strconv.Atoi(s); err == nil {
			return sideFromCode(n)
		}
		s = strings.TrimPrefix(s, "ORDER_TYPE_")
		s = strings.TrimPrefix(s, "POSITION_TYPE_")
		s = strings.TrimPrefix(s, "OP_")
		dir := models.DirectionBuy
		if strings.HasPrefix(s, "SELL") {
			dir = models.DirectionSell
		}
		switch {
		case strings.HasSuffix(s, "STOP_LIMIT"), strings.HasSuffix(s, "STOPLIMIT"):
			return dir, models.OrderTypeStopLimit
		case strings.HasSuffix(s, "LIMIT"):
			return dir, models.OrderTypeLimit
		case strings.HasSuffix(s, "STOP"):
			return dir, models.OrderTypeStop
		}
		return dir, models.OrderTypeMarket
	}
	return models.DirectionBuy, models.OrderTypeMarket
}

func sideFromCode(code int) (models.Direction, models.OrderType) {
	dir := models.DirectionBuy
	if code%2 == 1 {
		dir = models.DirectionSell
	}
	switch code {
	case 2, 3:
		return dir, models.OrderTypeLimit
	case 4, 5:
		return dir, models.OrderTypeStop
	case 6, 7:
		return dir, models.OrderTypeStopLimit
	}
	return dir, models.OrderTypeMarket
}

// typeCode is the inverse of sideFromCode.
func typeCode(dir models.Direction, typ models.OrderType) int {
	code := 0
	switch typ {
	case models.OrderTypeLimit:
		code = 2
	case models.OrderTypeStop:
		code = 4
	case models.OrderTypeStopLimit:
		code = 6
	}
	if dir == models.DirectionSell {
		code++
	}
	return code
}

func (jsonCodec) DecodeAccount(data any) (models.AccountSnapshot, error) {
	r, err := decodeRecord(data)
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	if inner, ok := r["account"].(map[string]any); ok {
		r = record(inner)
	}
	acct := models.AccountSnapshot{
		Login:      r.str("login", "account", "accountId"),
		Currency:   r.str("currency"),
		Balance:    r.num("balance"),
		Equity:     r.num("equity"),
		Margin:     r.num("margin"),
		FreeMargin: r.num("freeMargin", "free_margin", "margin_free", "marginFree"),
		Leverage:   int(r.num("leverage")),
		Timestamp:  r.time("timestamp", "time"),
	}
	if !r.has("equity") {
		acct.Equity = acct.Balance
	}
	if acct.Timestamp.IsZero() {
		acct.Timestamp = time.Now().UTC()
	}
	return acct, nil
}

func positionFromRecord(r record) models.Position {
	dir, _ := sideAndType(firstValue(r, "type", "cmd", "direction", "side"))
	return models.Position{
		Ticket:       r.str("ticket", "position", "id", "identifier"),
		Symbol:       r.str("symbol"),
		Direction:    dir,
		Volume:       r.num("volume", "lots"),
		OpenPrice:    r.num("openPrice", "open_price", "price_open", "priceOpen"),
		CurrentPrice: r.num("currentPrice", "current_price", "price_current", "closePrice", "close_price"),
		StopLoss:     r.num("sl", "stopLoss", "stop_loss"),
		TakeProfit:   r.num("tp", "takeProfit", "take_profit"),
		Profit:       r.num("profit"),
		Swap:         r.num("swap"),
		Status:       "open",
		Comment:      r.str("comment"),
		OpenedAt:     r.time("openTime", "open_time", "time", "time_setup"),
	}
}

func orderFromRecord(r record) models.Order {
	dir, typ := sideAndType(firstValue(r, "type", "cmd", "direction", "side"))
	status := r.str("status", "state")
	if status == "" {
		status = "pending"
	}
	return models.Order{
		Ticket:     r.str("ticket", "order", "id"),
		Symbol:     r.str("symbol"),
		Direction:  dir,
		Type:       typ,
		Volume:     r.num("volume", "lots", "volume_current", "volume_initial"),
		OpenPrice:  r.num("openPrice", "open_price", "price_open", "price"),
		StopLoss:   r.num("sl", "stopLoss", "stop_loss"),
		TakeProfit: r.num("tp", "takeProfit", "take_profit"),
		Status:     status,
		Comment:    r.str("comment"),
		PlacedAt:   r.time("openTime", "open_time", "time_setup", "time"),
	}
}

func quoteFromRecord(r record) models.Quote {
	q := models.Quote{
		Symbol:    r.str("symbol"),
		Bid:       r.num("bid"),
		Ask:       r.num("ask"),
		Last:      r.num("last"),
		Volume:    r.num("volume", "volume_real"),
		Timestamp: r.time("time_msc", "timestamp", "time"),
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	return q
}

func firstValue(r record, keys ...string) any {
	v, _ := r.value(keys...)
	return v
}

func (jsonCodec) DecodePositions(data any) ([]models.Position, error) {
	list, err := decodeList(data, "positions", "trades")
	if err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(list))
	for _, r := range list {
		positions = append(positions, positionFromRecord(r))
	}
	return positions, nil
}

func (jsonCodec) DecodeOrders(data any) ([]models.Order, error) {
	list, err := decodeList(data, "orders")
	if err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(list))
	for _, r := range list {
		orders = append(orders, orderFromRecord(r))
	}
	return orders, nil
}

func (jsonCodec) DecodeQuotes(data any) ([]models.Quote, error) {
	list, err := decodeList(data, "quotes", "ticks")
	if err != nil {
		return nil, err
	}
	quotes := make([]models.Quote, 0, len(list))
	for _, r := range list {
		quotes = append(quotes, quoteFromRecord(r))
	}
	return quotes, nil
}

func (jsonCodec) DecodeOrderResult(data any) (models.OrderResult, error) {
	r, err := decodeRecord(data)
	if err != nil {
		return models.OrderResult{}, err
	}
	res := models.OrderResult{
		Success: true,
		Ticket:  r.str("ticket", "order", "position", "deal"),
		Price:   r.num("price", "openPrice", "closePrice"),
		Volume:  r.num("volume", "lots"),
		Message: r.str("message", "comment"),
	}
	if v, ok := r["success"].(bool); ok {
		res.Success = v
	}
	return res, nil
}

func (jsonCodec) DecodeCandles(data any) ([]models.Candle, error) {
	list, err := decodeList(data, "rates", "candles", "bars")
	if err != nil {
		return nil, err
	}
	candles := make([]models.Candle, 0, len(list))
	for _, r := range list {
		candles = append(candles, models.Candle{
			Timestamp: r.time("time", "timestamp"),
			Open:      r.num("open"),
			High:      r.num("high"),
			Low:       r.num("low"),
			Close:     r.num("close"),
			Volume:    r.num("volume", "tick_volume", "real_volume"),
		})
	}
	return candles, nil
}

func (jsonCodec) DecodeEvent(in correlator.Inbound) ([]events.Event, error) {
	now := time.Now().UTC()
	base := events.Event{Name: in.Event, Timestamp: now}

	switch in.Event {
	case "TICK":
		list, err := decodeList(in.Data, "ticks", "quotes")
		if err != nil {
			return nil, err
		}
		out := make([]events.Event, 0, len(list))
		for _, r := range list {
			q := quoteFromRecord(r)
			e := base
			e.Type = events.Tick
			e.Quote = &q
			out = append(out, e)
		}
		return out, nil

	case "POSITION_CHANGED", "POSITION_UPDATE", "POSITION_CLOSE":
		r, err := decodeRecord(in.Data)
		if err != nil {
			return nil, err
		}
		p := positionFromRecord(r)
		e := base
		e.Type = events.Position
		e.Action = events.ActionUpdate
		if in.Event == "POSITION_CLOSE" || r.str("status") == "closed" {
			e.Action = events.ActionRemove
			p.Status = "closed"
		}
		e.Position = &p
		return []events.Event{e}, nil

	case "ORDER_CHANGED", "ORDER_UPDATE", "ORDER_CLOSE":
		r, err := decodeRecord(in.Data)
		if err != nil {
			return nil, err
		}
		o := orderFromRecord(r)
		e := base
		e.Type = events.Order
		e.Action = events.ActionUpdate
		if in.Event == "ORDER_CLOSE" || o.Status == "cancelled" || o.Status == "filled" {
			e.Action = events.ActionRemove
		}
		e.Order = &o
		return []events.Event{e}, nil

	case "ACCOUNT_CHANGED", "ACCOUNT_UPDATE":
		acct, err := jsonCodec{}.DecodeAccount(in.Data)
		if err != nil {
			return nil, err
		}
		e := base
		e.Type = events.Account
		e.Account = &acct
		return []events.Event{e}, nil

	case "ERROR":
		r, err := decodeRecord(in.Data)
		if err != nil {
			return nil, err
		}
		msg := r.str("message", "error", "description")
		if msg == "" {
			msg = in.Err
		}
		e := base
		e.Type = events.Error
		e.Err = fmt.Errorf("bridge error: %s", msg)
		return []events.Event{e}, nil
	}
	return nil, nil
}

// timeframeMinutes maps the common timeframe spellings to minutes.
func timeframeMinutes(tf string) int {
	switch strings.ToUpper(strings.TrimSpace(tf)) {
	case "1M", "M1", "1MIN", "MINUTE":
		return 1
	case "5M", "M5", "5MIN":
		return 5
	case "15M", "M15", "15MIN":
		return 15
	case "30M", "M30", "30MIN":
		return 30
	case "1H", "H1", "60M", "HOUR":
		return 60
	case "4H", "H4":
		return 240
	case "1D", "D1", "DAY":
		return 1440
	case "1W", "W1", "WEEK":
		return 10080
	case "MN", "MN1", "1MO", "MONTH":
		return 43200
	}
	return 60
}

// metaTraderTimeframe renders a timeframe in MetaTrader's M1/H1/D1 notation.
func metaTraderTimeframe(tf string) string {
	switch m := timeframeMinutes(tf); {
	case m >= 43200:
		return "MN1"
	case m >= 10080:
		return "W1"
	case m >= 1440:
		return "D" + strconv.Itoa(m/1440)
	case m >= 60:
		return "H" + strconv.Itoa(m/60)
	default:
		return "M" + strconv.Itoa(m)
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func argsError(op Operation, args any) error {
	return fmt.Errorf("%s: unexpected arguments %T", op, args)
}
