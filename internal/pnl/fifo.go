package pnl

import (
	"fmt"
	"sort"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// lot одна партия купленного инвентаря (FIFO-очередь)
type lot struct {
	qty   float64
	price float64
}

// book состояние прогона по одному символу
type book struct {
	symbol        string
	quoteAsset    string
	lots          []lot
	realizedQuote float64
	feesHome      float64
	oversold      bool
}

func (b *book) applyBuy(qty, price float64) {
	b.lots = append(b.lots, lot{qty: qty, price: price})
}

// applySell поглощает старейшие лоты, кредитуя (sellPrice - lotPrice) * qty.
// Продажа сверх отслеживаемого инвентаря помечается, а не ошибается.
func (b *book) applySell(qty, price float64) {
	remaining := qty
	for remaining > 1e-12 && len(b.lots) > 0 {
		head := &b.lots[0]
		consumed := head.qty
		if consumed > remaining {
			consumed = remaining
		}
		b.realizedQuote += (price - head.price) * consumed
		head.qty -= consumed
		remaining -= consumed
		if head.qty <= 1e-12 {
			b.lots = b.lots[1:]
		}
	}
	if remaining > 1e-12 {
		b.oversold = true
	}
}

// unrealizedQuote переоценивает оставшиеся лоты по цене снапшота
func (b *book) unrealizedQuote(price float64) float64 {
	var total float64
	for _, l := range b.lots {
		total += (price - l.price) * l.qty
	}
	return total
}

// Dedup дедуплицирует леджер: по trade_id когда он есть, иначе по ключу
// ордера с монотонным слиянием qty/notional (строка с большим qty побеждает)
func Dedup(fills []domain.TradeFill) []domain.TradeFill {
	byTrade := make(map[string]int)
	byOrder := make(map[string]int)
	out := make([]domain.TradeFill, 0, len(fills))

	for _, f := range fills {
		if f.TradeID != "" {
			if _, seen := byTrade[f.TradeID]; seen {
				continue
			}
			byTrade[f.TradeID] = len(out)
			out = append(out, f)
			continue
		}
		key := fmt.Sprintf("%s|%s|%s|%s", f.Symbol, f.Module, f.Side, f.OrderID)
		if idx, seen := byOrder[key]; seen {
			if f.Qty > out[idx].Qty {
				out[idx].Qty = f.Qty
				out[idx].Notional = f.Notional
				out[idx].Price = f.Price
			}
			if f.FeesHome > out[idx].FeesHome {
				out[idx].FeesHome = f.FeesHome
			}
			continue
		}
		byOrder[key] = len(out)
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// symbolSnapshot состояние одного символа на момент снапшота, в home-валюте
type symbolSnapshot struct {
	realizedHome   float64
	unrealizedHome float64
	feesHome       float64
	fxMissing      bool
	priceMissing   bool
}

// snapshot среза состояния прогона
type snapshot struct {
	symbols map[string]symbolSnapshot
}

// replay прогоняет дедуплицированный леджер в порядке времени, делая два
// снапшота: непосредственно перед первым исполнением после windowStart и в
// конце прогона.
type replayResult struct {
	start    snapshot
	end      snapshot
	oversold []string
}

func replay(fills []domain.TradeFill, windowStart time.Time, home string, startPrices, endPrices PriceFunc) replayResult {
	books := make(map[string]*book)
	bookFor := func(f *domain.TradeFill) *book {
		b, ok := books[f.Symbol]
		if !ok {
			b = &book{symbol: f.Symbol, quoteAsset: f.QuoteAsset}
			books[f.Symbol] = b
		}
		if b.quoteAsset == "" {
			b.quoteAsset = f.QuoteAsset
		}
		return b
	}

	var startSnap *snapshot
	for i := range fills {
		f := &fills[i]
		if startSnap == nil && !f.At.Before(windowStart) {
			s := takeSnapshot(books, home, startPrices)
			startSnap = &s
		}

		b := bookFor(f)
		price := f.Price
		if price <= 0 && f.Qty > 0 {
			price = f.Notional / f.Qty
		}
		if f.Side == domain.SideBuy {
			b.applyBuy(f.Qty, price)
		} else {
			b.applySell(f.Qty, price)
		}
		b.feesHome += f.FeesHome
	}

	if startSnap == nil {
		// Ни одного исполнения после начала окна: стартовый снапшот берется
		// с конечного состояния, но по стартовым ценам
		s := takeSnapshot(books, home, startPrices)
		startSnap = &s
	}
	endSnap := takeSnapshot(books, home, endPrices)

	var oversold []string
	for symbol, b := range books {
		if b.oversold {
			oversold = append(oversold, symbol)
		}
	}
	sort.Strings(oversold)

	return replayResult{start: *startSnap, end: endSnap, oversold: oversold}
}

// takeSnapshot переоценивает каждый book по ценам снапшота и конвертирует
// quote -> home
func takeSnapshot(books map[string]*book, home string, priceOf PriceFunc) snapshot {
	snap := snapshot{symbols: make(map[string]symbolSnapshot, len(books))}
	for symbol, b := range books {
		s := symbolSnapshot{feesHome: b.feesHome}

		price, ok := priceOf(symbol)
		if !ok {
			s.priceMissing = true
		}

		quote := b.quoteAsset
		if quote == "" {
			quote = home
		}
		fx, fxOK := Rate(quote, home, priceOf)
		if !fxOK {
			s.fxMissing = true
		} else {
			s.realizedHome = b.realizedQuote * fx
			if !s.priceMissing {
				s.unrealizedHome = b.unrealizedQuote(price) * fx
			}
		}
		snap.symbols[symbol] = s
	}
	return snap
}
