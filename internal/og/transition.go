package og

import (
	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
)

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPending: {
		model.OrderStatusSubmitted,
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
		model.OrderStatusRejected,
		model.OrderStatusFailed,
	},
	model.OrderStatusSubmitted: {
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
		model.OrderStatusCancelled,
		model.OrderStatusRejected,
	},
	model.OrderStatusPartiallyFilled: {
		model.OrderStatusSubmitted,
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
		model.OrderStatusCancelled,
	},
}

// CanTransition reports whether an order may move from one status to
// another. Terminal statuses have no outgoing transitions.
func CanTransition(from, to model.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(o *model.Order, to model.OrderStatus) error {
	if !CanTransition(o.Status, to) {
		return errors.Wrapf(exception.ErrOrderInvalidTransition, "order %s %s -> %s", o.ClientOrderID, o.Status, to)
	}
	return nil
}
