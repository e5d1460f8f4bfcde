package broker

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"fxify-trader/internal/models"
)

// Property: MetaTrader operation codes and their symbolic names decode back
// to the direction and order type they were encoded from.
func TestProperty_MetaTraderTypeCodesRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Type code and MT5 name decode to the same side and type", prop.ForAll(
		func(dir models.Direction, typ models.OrderType) bool {
			code := typeCode(dir, typ)
			d1, t1 := sideAndType(float64(code))
			d2, t2 := sideAndType(mt5OrderTypes[code])
			return d1 == dir && t1 == typ && d2 == dir && t2 == typ
		},
		gen.OneConstOf(models.DirectionBuy, models.DirectionSell),
		gen.OneConstOf(models.OrderTypeMarket, models.OrderTypeLimit, models.OrderTypeStop, models.OrderTypeStopLimit),
	))

	properties.TestingRun(t)
}

// Property: every well-formed order request passes ValidateRequest and
// encodes for every bridge without embedding a frame delimiter.
func TestProperty_ValidOrdersEncodeForEveryBridge(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	symbols := []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD", "AUDCAD"}

	orderGen := gen.Struct(reflect.TypeOf(models.OrderRequest{}), map[string]gopter.Gen{
		"Symbol":     gen.OneConstOf(symbols[0], symbols[1], symbols[2], symbols[3], symbols[4]),
		"Direction":  gen.OneConstOf(models.DirectionBuy, models.DirectionSell),
		"Volume":     gen.Float64Range(0.01, 50),
		"Price":      gen.Float64Range(0.5, 2500),
		"StopLoss":   gen.Float64Range(0, 2500),
		"TakeProfit": gen.Float64Range(0, 2500),
		"Type":       gen.OneConstOf(models.OrderTypeLimit, models.OrderTypeStop),
		"Comment":    gen.AlphaString(),
	})

	properties.Property("Valid requests encode on MT4, MT5 and IB", prop.ForAll(
		func(order models.OrderRequest) bool {
			if ValidateRequest(order) != nil {
				return false
			}
			codecs := []Codec{NewMT4Codec(), NewMT5Codec(), NewIBCodec(0)}
			for i, c := range codecs {
				cmd, params, err := c.Request(OpPendingOrder, order)
				if err != nil {
					return false
				}
				payload, err := c.EncodeRequest(int64(i+1), cmd, params)
				if err != nil {
					return false
				}
				if strings.ContainsAny(string(payload), "\n\x00") {
					return false
				}
			}
			return true
		},
		orderGen,
	))

	properties.Property("Invalid volume is always rejected", prop.ForAll(
		func(volume float64) bool {
			err := ValidateRequest(models.OrderRequest{Symbol: "EURUSD", Direction: models.DirectionBuy, Volume: volume})
			return err != nil && strings.Contains(err.Error(), "volume")
		},
		gen.Float64Range(-100, 0),
	))

	properties.TestingRun(t)
}

func ExampleParseBrokerType() {
	fmt.Println(ParseBrokerType(" MT4 "))
	// Output: mt4
}
