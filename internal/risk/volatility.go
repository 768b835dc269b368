package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

// priceWindow keeps the prices of the last window duration. The volatility
// metric is (max-min)/min over the window.
type priceWindow struct {
	points []pricePoint
	last   decimal.Decimal
}

func (w *priceWindow) add(at time.Time, price decimal.Decimal, window time.Duration) {
	w.last = price
	w.points = append(w.points, pricePoint{at: at, price: price})
	if window <= 0 {
		w.points = w.points[len(w.points)-1:]
		return
	}
	cutoff := at.Add(-window)
	drop := 0
	for drop < len(w.points)-1 && w.points[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.points = append(w.points[:0], w.points[drop:]...)
	}
}

func (w *priceWindow) move() decimal.Decimal {
	if len(w.points) < 2 {
		return decimal.Zero
	}
	min, max := w.points[0].price, w.points[0].price
	for _, p := range w.points[1:] {
		if p.price.LessThan(min) {
			min = p.price
		}
		if p.price.GreaterThan(max) {
			max = p.price
		}
	}
	if !min.IsPositive() {
		return decimal.Zero
	}
	return max.Sub(min).Div(min)
}

func (w *priceWindow) reset(at time.Time, price decimal.Decimal) {
	w.points = append(w.points[:0], pricePoint{at: at, price: price})
}
