package funds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lowInput() Input {
	return Input{
		MMEnabled:      true,
		Mid:            100,
		QuoteAvailable: 2,
		BaseAvailable:  1,
		BudgetQuote:    100,
		BudgetBase:     1,
		MinOrderUSDT:   5,
	}
}

func TestGuardDisablesAfterGrace(t *testing.T) {
	g := NewGuard(60 * time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	d := g.Check(t0, lowInput())
	assert.Equal(t, Waiting, d.Action)
	require.NotNil(t, g.LowSince())

	d = g.Check(t0.Add(59999*time.Millisecond), lowInput())
	assert.Equal(t, Waiting, d.Action, "not before 60000ms")
	assert.False(t, d.Alert)

	d = g.Check(t0.Add(60*time.Second), lowInput())
	assert.Equal(t, Disable, d.Action)
	assert.True(t, d.Alert)

	d = g.Check(t0.Add(62*time.Second), lowInput())
	assert.Equal(t, Disable, d.Action)
	assert.False(t, d.Alert, "one alert per episode")
}

func TestGuardResetsWhenFundsRecover(t *testing.T) {
	g := NewGuard(60 * time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	g.Check(t0, lowInput())
	ok := lowInput()
	ok.QuoteAvailable = 50
	d := g.Check(t0.Add(30*time.Second), ok)
	assert.Equal(t, OK, d.Action)
	assert.Nil(t, g.LowSince())

	d = g.Check(t0.Add(70*time.Second), lowInput())
	assert.Equal(t, Waiting, d.Action, "new episode restarts the timer")

	d = g.Check(t0.Add(130*time.Second), lowInput())
	assert.Equal(t, Disable, d.Action)
	assert.True(t, d.Alert, "alert re-armed for the new episode")
}

func TestGuardBypassedWhileBalancesStale(t *testing.T) {
	g := NewGuard(time.Second)
	in := lowInput()
	in.BalancesStale = true
	d := g.Check(time.Now(), in)
	assert.Equal(t, OK, d.Action)
	assert.Nil(t, g.LowSince())
}

func TestGuardIgnoresDisabledStrategy(t *testing.T) {
	g := NewGuard(time.Second)
	in := lowInput()
	in.MMEnabled = false
	assert.Equal(t, OK, g.Check(time.Now(), in).Action)
}

func TestMMFundsOK(t *testing.T) {
	in := lowInput()
	in.QuoteAvailable = 10
	ok, _ := MMFundsOK(in)
	assert.True(t, ok)

	in.BaseAvailable = 0.01
	ok, reason := MMFundsOK(in)
	assert.False(t, ok)
	assert.Contains(t, reason, "base")

	in.BudgetBase = 0
	ok, _ = MMFundsOK(in)
	assert.True(t, ok, "unbudgeted side is not checked")
}
