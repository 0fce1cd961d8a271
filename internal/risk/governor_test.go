package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillm/trade-pilot/internal/domain"
)

func testGovernor() (*Governor, *time.Time) {
	g := NewGovernor(DefaultThresholds())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	g.decision.Since = now
	return g, &now
}

func calmInputs() *Inputs {
	return &Inputs{
		EquityHome:        1000,
		DayStartEquity:    1000,
		RollingPeakEquity: 1000,
		FeeBurnPct:        0,
	}
}

func TestEvaluate_StaysNormalWhenCalm(t *testing.T) {
	g, _ := testGovernor()

	d := g.Evaluate(calmInputs())

	assert.Equal(t, domain.RiskNormal, d.State)
	assert.False(t, d.EntriesPaused)
	assert.False(t, d.GridBuyPausedGlobal)
	assert.Empty(t, d.Reasons)
}

func TestEvaluate_NormalToCautionOnDailyDrawdown(t *testing.T) {
	g, _ := testGovernor()

	in := calmInputs()
	in.EquityHome = 975 // просадка 2.5% при пороге caution 2%

	d := g.Evaluate(in)

	assert.Equal(t, domain.RiskCaution, d.State)
	assert.True(t, d.EntriesPaused)
	assert.False(t, d.GridBuyPausedGlobal)
	assert.Contains(t, d.Reasons, domain.ReasonDrawdownDaily)
}

func TestEvaluate_NormalToHaltDirect(t *testing.T) {
	g, _ := testGovernor()

	in := calmInputs()
	in.EquityHome = 950 // просадка 5% при пороге halt 4%

	d := g.Evaluate(in)

	assert.Equal(t, domain.RiskHalt, d.State)
	assert.True(t, d.EntriesPaused)
	assert.True(t, d.GridBuyPausedGlobal)
}

func TestEvaluate_CautionEscalatesToHaltImmediately(t *testing.T) {
	g, now := testGovernor()

	in := calmInputs()
	in.EquityHome = 975
	require.Equal(t, domain.RiskCaution, g.Evaluate(in).State)

	// Эскалация не ждет MinStateHold
	*now = now.Add(time.Second)
	in.ManualHalt = true
	d := g.Evaluate(in)

	assert.Equal(t, domain.RiskHalt, d.State)
	assert.Equal(t, *now, d.Since, "эскалация должна сбрасывать часы состояния")
	assert.Contains(t, d.Reasons, domain.ReasonManual)
}

func TestEvaluate_CautionHoldsMinimumTime(t *testing.T) {
	g, now := testGovernor()

	in := calmInputs()
	in.EquityHome = 975
	require.Equal(t, domain.RiskCaution, g.Evaluate(in).State)

	// Условия ушли, но MinStateHold еще не истек
	*now = now.Add(5 * time.Minute)
	d := g.Evaluate(calmInputs())
	assert.Equal(t, domain.RiskCaution, d.State)

	// После истечения удержания возврат в NORMAL
	*now = now.Add(15 * time.Minute)
	d = g.Evaluate(calmInputs())
	assert.Equal(t, domain.RiskNormal, d.State)
}

func TestEvaluate_CautionStaysWhileTrendOn(t *testing.T) {
	g, now := testGovernor()

	trending := calmInputs()
	trending.Trend = TrendInputs{ADX: 30, EMAAligned: true}
	require.Equal(t, domain.RiskCaution, g.Evaluate(trending).State)

	// Удержание истекло, но тренд все еще включен
	*now = now.Add(time.Hour)
	d := g.Evaluate(trending)
	assert.Equal(t, domain.RiskCaution, d.State)
	assert.True(t, d.GridBuyPausedGlobal, "grid buys паузятся в CAUTION при включенном тренде")

	// Тренд выключился
	d = g.Evaluate(calmInputs())
	assert.Equal(t, domain.RiskNormal, d.State)
}

func TestEvaluate_HaltHoldsMinimumTime(t *testing.T) {
	g, now := testGovernor()

	in := calmInputs()
	in.ManualHalt = true
	require.Equal(t, domain.RiskHalt, g.Evaluate(in).State)

	// Условия ушли, HaltMinHold не истек
	*now = now.Add(30 * time.Minute)
	d := g.Evaluate(calmInputs())
	assert.Equal(t, domain.RiskHalt, d.State)

	// Истек: без остаточных caution-условий сразу в NORMAL
	*now = now.Add(time.Hour)
	d = g.Evaluate(calmInputs())
	assert.Equal(t, domain.RiskNormal, d.State)
}

func TestEvaluate_HaltStepsDownToCaution(t *testing.T) {
	g, now := testGovernor()

	in := calmInputs()
	in.EquityHome = 950
	require.Equal(t, domain.RiskHalt, g.Evaluate(in).State)

	// Просадка частично восстановилась: ниже halt, выше caution
	*now = now.Add(2 * time.Hour)
	in.EquityHome = 975
	d := g.Evaluate(in)

	assert.Equal(t, domain.RiskCaution, d.State)
}

func TestEvaluate_NilInputKeepsPreviousDecision(t *testing.T) {
	g, _ := testGovernor()

	in := calmInputs()
	in.EquityHome = 975
	before := g.Evaluate(in)

	d := g.Evaluate(nil)

	assert.Equal(t, before.State, d.State)
	assert.Equal(t, before.Since, d.Since)
	assert.Equal(t, before.Reasons, d.Reasons)
}

func TestEvaluate_ReasonsDoNotChangeState(t *testing.T) {
	g, _ := testGovernor()

	// Вола-спайк дает причину, но сам по себе не caution-условие
	in := calmInputs()
	in.Trend.ATRPct = 10

	d := g.Evaluate(in)

	assert.Equal(t, domain.RiskNormal, d.State)
	assert.Contains(t, d.Reasons, domain.ReasonVolSpike)
}

func TestRestore(t *testing.T) {
	g, _ := testGovernor()

	saved := &domain.RiskDecision{
		State:         domain.RiskHalt,
		Since:         time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC),
		Reasons:       []string{domain.ReasonManual},
		EntriesPaused: true,
	}
	g.Restore(saved)

	d := g.Decision()
	assert.Equal(t, domain.RiskHalt, d.State)
	assert.Equal(t, saved.Since, d.Since)

	g.Restore(nil) // no-op
	assert.Equal(t, domain.RiskHalt, g.Decision().State)
}

func TestDrawdownPct(t *testing.T) {
	tests := []struct {
		name    string
		base    float64
		current float64
		want    float64
	}{
		{"loss", 1000, 950, 5},
		{"gain floors at zero", 1000, 1100, 0},
		{"zero base", 0, 500, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, drawdownPct(tt.base, tt.current), 1e-9)
		})
	}
}
