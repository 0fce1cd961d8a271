package risk

import (
	"sync"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// Thresholds пороги риск-машины
type Thresholds struct {
	DrawdownDailyCautionPct   float64
	DrawdownDailyHaltPct      float64
	DrawdownRollingCautionPct float64
	DrawdownRollingHaltPct    float64
	FeeBurnCautionPct         float64
	FeeBurnHaltPct            float64
	ADXOnThreshold            float64
	ATRPctVolSpike            float64
	MinStateHold              time.Duration
	HaltMinHold               time.Duration
}

// DefaultThresholds разумные дефолты для спотового портфеля
func DefaultThresholds() Thresholds {
	return Thresholds{
		DrawdownDailyCautionPct:   2.0,
		DrawdownDailyHaltPct:      4.0,
		DrawdownRollingCautionPct: 5.0,
		DrawdownRollingHaltPct:    10.0,
		FeeBurnCautionPct:         0.25,
		FeeBurnHaltPct:            0.5,
		ADXOnThreshold:            25,
		ATRPctVolSpike:            5.0,
		MinStateHold:              15 * time.Minute,
		HaltMinHold:               time.Hour,
	}
}

// TrendInputs индикаторы тренда репрезентативного символа
type TrendInputs struct {
	ADX               float64
	ATRPct            float64
	BollingerBreakout bool
	EMAAligned        bool
}

// Inputs входные данные одного вычисления
type Inputs struct {
	EquityHome        float64
	DayStartEquity    float64
	RollingPeakEquity float64
	FeeBurnPct        float64
	Trend             TrendInputs
	ManualHalt        bool
}

// Governor гистерезисная риск-машина NORMAL -> CAUTION -> HALT.
// Состояние нельзя покинуть раньше минимального времени удержания,
// кроме немедленной эскалации в HALT.
type Governor struct {
	mu       sync.RWMutex
	cfg      Thresholds
	decision domain.RiskDecision
	now      func() time.Time
}

func NewGovernor(cfg Thresholds) *Governor {
	g := &Governor{
		cfg: cfg,
		now: time.Now,
	}
	g.decision = domain.RiskDecision{
		State: domain.RiskNormal,
		Since: g.now(),
	}
	return g
}

// Restore восстанавливает решение из persisted payload после рестарта
func (g *Governor) Restore(d *domain.RiskDecision) {
	if d == nil || d.State == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decision = *d
	g.decision.Reasons = append([]string(nil), d.Reasons...)
}

// Decision возвращает текущее решение
func (g *Governor) Decision() domain.RiskDecision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d := g.decision
	d.Reasons = append([]string(nil), g.decision.Reasons...)
	return d
}

// Evaluate пересчитывает состояние. nil на входе (ошибка подготовки данных)
// оставляет предыдущее решение без изменений — машина никогда не валит тик.
func (g *Governor) Evaluate(in *Inputs) domain.RiskDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if in == nil {
		d := g.decision
		d.Reasons = append([]string(nil), g.decision.Reasons...)
		return d
	}

	dailyDD := drawdownPct(in.DayStartEquity, in.EquityHome)
	rollingDD := drawdownPct(in.RollingPeakEquity, in.EquityHome)
	trendOn := in.Trend.ADX >= g.cfg.ADXOnThreshold && in.Trend.EMAAligned

	// Причины копятся для наблюдаемости; сами по себе состояние не меняют
	var reasons []string
	if dailyDD >= g.cfg.DrawdownDailyCautionPct {
		reasons = append(reasons, domain.ReasonDrawdownDaily)
	}
	if rollingDD >= g.cfg.DrawdownRollingCautionPct {
		reasons = append(reasons, domain.ReasonDrawdownRolling)
	}
	if trendOn {
		reasons = append(reasons, domain.ReasonTrend)
	}
	if in.FeeBurnPct >= g.cfg.FeeBurnCautionPct {
		reasons = append(reasons, domain.ReasonFeeBurn)
	}
	if in.Trend.ATRPct >= g.cfg.ATRPctVolSpike || in.Trend.BollingerBreakout {
		reasons = append(reasons, domain.ReasonVolSpike)
	}
	if in.ManualHalt {
		reasons = append(reasons, domain.ReasonManual)
	}

	haltCond := in.ManualHalt ||
		dailyDD >= g.cfg.DrawdownDailyHaltPct ||
		rollingDD >= g.cfg.DrawdownRollingHaltPct ||
		in.FeeBurnPct >= g.cfg.FeeBurnHaltPct
	cautionCond := dailyDD >= g.cfg.DrawdownDailyCautionPct ||
		rollingDD >= g.cfg.DrawdownRollingCautionPct ||
		in.FeeBurnPct >= g.cfg.FeeBurnCautionPct ||
		trendOn

	now := g.now()
	elapsed := now.Sub(g.decision.Since)
	next := g.decision.State

	switch g.decision.State {
	case domain.RiskHalt:
		if !haltCond && elapsed >= g.cfg.HaltMinHold {
			if cautionCond {
				next = domain.RiskCaution
			} else {
				next = domain.RiskNormal
			}
		}

	case domain.RiskCaution:
		if haltCond {
			// Эскалация в HALT всегда немедленная, часы состояния сбрасываются
			next = domain.RiskHalt
		} else if elapsed >= g.cfg.MinStateHold {
			ddBelow := dailyDD < g.cfg.DrawdownDailyCautionPct &&
				rollingDD < g.cfg.DrawdownRollingCautionPct
			if !trendOn && ddBelow && in.FeeBurnPct < g.cfg.FeeBurnCautionPct {
				next = domain.RiskNormal
			}
		}

	default: // NORMAL
		if haltCond {
			next = domain.RiskHalt
		} else if cautionCond {
			next = domain.RiskCaution
		}
	}

	if next != g.decision.State {
		g.decision.Since = now
	}
	g.decision.State = next
	g.decision.Reasons = reasons
	g.decision.EntriesPaused = next != domain.RiskNormal
	g.decision.GridBuyPausedGlobal = next == domain.RiskHalt ||
		(next == domain.RiskCaution && trendOn)

	d := g.decision
	d.Reasons = append([]string(nil), reasons...)
	return d
}

// drawdownPct процент просадки от базы; база <= 0 дает 0
func drawdownPct(base, current float64) float64 {
	if base <= 0 {
		return 0
	}
	dd := (base - current) / base * 100
	if dd < 0 {
		return 0
	}
	return dd
}
