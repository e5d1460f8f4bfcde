package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	log := WithSymbol(WithComponent(WithBroker(base, "demo", "mt5"), "validator"), "EURUSD")
	log.Warn().Str("rule", "trade_size").Msg("blocked")

	out := buf.String()
	for _, want := range []string{`"broker":"demo"`, `"broker_type":"mt5"`, `"component":"validator"`, `"symbol":"EURUSD"`, `"rule":"trade_size"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
