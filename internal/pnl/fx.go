package pnl

import "github.com/kirillm/trade-pilot/internal/domain"

// PriceFunc отдает цену торговой пары (конкатенация base+quote) на момент
// снапшота. ok=false когда пары нет.
type PriceFunc func(pair string) (float64, bool)

// Rate считает курс asset -> home: прямая пара, обратная пара, затем не
// больше одного актива-посредника. ok=false означает "missing FX rate" —
// вызывающая сторона пишет заметку, а не валит весь расчет.
func Rate(asset, home string, priceOf PriceFunc) (float64, bool) {
	if asset == home {
		return 1, true
	}
	if price, ok := priceOf(asset + home); ok && price > 0 {
		return price, true
	}
	if price, ok := priceOf(home + asset); ok && price > 0 {
		return 1 / price, true
	}

	// Один промежуточный актив: asset -> mid -> home
	for _, mid := range domain.IntermediateAssets {
		if mid == asset || mid == home {
			continue
		}
		first, ok := directRate(asset, mid, priceOf)
		if !ok {
			continue
		}
		second, ok := directRate(mid, home, priceOf)
		if !ok {
			continue
		}
		return first * second, true
	}
	return 0, false
}

func directRate(from, to string, priceOf PriceFunc) (float64, bool) {
	if price, ok := priceOf(from + to); ok && price > 0 {
		return price, true
	}
	if price, ok := priceOf(to + from); ok && price > 0 {
		return 1 / price, true
	}
	return 0, false
}
