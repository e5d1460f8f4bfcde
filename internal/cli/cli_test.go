package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxify-trader/internal/models"
)

// wednesday keeps the trading hours rule out of the way.
var wednesday = time.Date(2024, 6, 12, 14, 0, 0, 0, time.UTC)

// run executes one CLI invocation against the config dir, the way a separate
// process would: only the SQLite store carries state between calls.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root, app := newRootCmd()
	app.now = func() time.Time { return wednesday }

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--config", dir, "--no-color"}, args...))
	err := root.Execute()
	require.NoError(t, app.Close())
	return buf.String(), err
}

func TestVersionNeedsNoConfig(t *testing.T) {
	out, err := run(t, t.TempDir(), "version", "--json")
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestProfileLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "profile", "list", "--json")
	require.NoError(t, err)
	var listed struct {
		Active   string           `json:"active"`
		Profiles []models.Profile `json:"profiles"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Empty(t, listed.Active)
	assert.Len(t, listed.Profiles, 3)

	_, err = run(t, dir, "profile", "create", "--name", "Swing", "--daily", "4", "--total", "8", "--max-lots", "1.5", "--set", "desk=london")
	require.NoError(t, err)

	_, err = run(t, dir, "profile", "activate", "Swing")
	require.NoError(t, err)

	out, err = run(t, dir, "profile", "show", "--json")
	require.NoError(t, err)
	var active models.Profile
	require.NoError(t, json.Unmarshal([]byte(out), &active))
	assert.Equal(t, "Swing", active.Name)
	assert.InDelta(t, 0.04, active.MaxDailyDrawdown, 1e-12)
	assert.InDelta(t, 0.08, active.MaxTotalDrawdown, 1e-12)
	assert.Equal(t, 1.5, active.TradeSizeLimit)
	assert.Equal(t, "london", active.CustomSettings["desk"])

	_, err = run(t, dir, "profile", "deactivate")
	require.NoError(t, err)
	_, err = run(t, dir, "profile", "show")
	assert.Error(t, err)
}

func TestProfileCreateRejectsBadLimits(t *testing.T) {
	_, err := run(t, t.TempDir(), "profile", "create", "--name", "Broken", "--daily", "150")
	assert.Error(t, err)
}

func TestPaperOrderWithoutProfile(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "--paper", "--quote", "EURUSD=1.1000/1.1002", "--json", "buy", "EURUSD", "3")
	require.NoError(t, err)

	var res models.OrderResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1.1002, res.Price)
	assert.NotEmpty(t, res.Ticket)
}

func TestOversizedOrderBlockedAndRecorded(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "profile", "activate", "FXIFY Instant Funding")
	require.NoError(t, err)

	out, err := run(t, dir, "--paper", "--quote", "EURUSD=1.1000/1.1002", "buy", "EURUSD", "3", "--sl", "1.0950")
	require.Error(t, err)
	assert.Contains(t, out, "blocked")
	assert.Contains(t, out, "trade_size_limit")

	out, err = run(t, dir, "violations", "--json")
	require.NoError(t, err)
	var records []models.ViolationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "EURUSD", records[0].Symbol)
	assert.Equal(t, 3.0, records[0].Volume)

	// Within the size cap the same order goes through.
	_, err = run(t, dir, "--paper", "--quote", "EURUSD=1.1000/1.1002", "buy", "EURUSD", "0.5", "--sl", "1.0950")
	require.NoError(t, err)
}

func TestRiskCheckDoesNotTrade(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "profile", "activate", "FXIFY Two Phase")
	require.NoError(t, err)

	out, err := run(t, dir, "--paper", "--quote", "EURUSD=1.1000/1.1002", "--json", "risk", "check", "EURUSD", "1", "--sl", "1.0950")
	require.NoError(t, err)
	var check struct {
		Valid         bool    `json:"valid"`
		PotentialLoss float64 `json:"potential_loss"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &check))
	assert.True(t, check.Valid)
	assert.Greater(t, check.PotentialLoss, 0.0)
}

func TestConfigShowRedactsPasswords(t *testing.T) {
	dir := t.TempDir()
	cfg := `default_bridge = "demo"

[[bridges]]
name = "demo"
type = "mt5"
host = "127.0.0.1"
port = 5555
login = "5550001"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(cfg), 0600))
	t.Setenv("FXIFY_BRIDGE_PASSWORD", "hunter2")

	out, err := run(t, dir, "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"****"`)
	assert.Contains(t, out, "5550001")
}
