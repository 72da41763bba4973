package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/tonguard/tonguard/internal/txn"
)

// LimitLayer compares the proposed value against the user's single-transaction
// limit and rolling usage windows. Breaches reject; a value over the large
// transaction threshold passes but escalates to user confirmation.
type LimitLayer struct{}

func (l *LimitLayer) Name() LayerName { return LayerLimitCheck }

func (l *LimitLayer) Check(_ context.Context, req *txn.Request, actx *Context) *LayerResult {
	limits := actx.Limits
	value := req.ValueTon()
	var breaches []string

	if limits.SingleTransactionLimit > 0 && value > limits.SingleTransactionLimit {
		breaches = append(breaches, fmt.Sprintf(
			"value %.2f TON exceeds single transaction limit %.2f TON", value, limits.SingleTransactionLimit))
	}
	if limits.DailyLimit > 0 && limits.UsedToday+value > limits.DailyLimit {
		breaches = append(breaches, fmt.Sprintf(
			"value %.2f TON would exceed daily limit %.2f TON (%.2f used)", value, limits.DailyLimit, limits.UsedToday))
	}
	if limits.WeeklyLimit > 0 && limits.UsedThisWeek+value > limits.WeeklyLimit {
		breaches = append(breaches, fmt.Sprintf(
			"value %.2f TON would exceed weekly limit %.2f TON (%.2f used)", value, limits.WeeklyLimit, limits.UsedThisWeek))
	}
	if limits.MonthlyLimit > 0 && limits.UsedThisMonth+value > limits.MonthlyLimit {
		breaches = append(breaches, fmt.Sprintf(
			"value %.2f TON would exceed monthly limit %.2f TON (%.2f used)", value, limits.MonthlyLimit, limits.UsedThisMonth))
	}

	if len(breaches) > 0 {
		return &LayerResult{
			Layer:    LayerLimitCheck,
			Decision: DecisionRejected,
			Reason:   strings.Join(breaches, "; "),
		}
	}

	if limits.LargeTransactionThreshold > 0 && value > limits.LargeTransactionThreshold {
		return &LayerResult{
			Layer:    LayerLimitCheck,
			Passed:   true,
			Decision: DecisionWithConfirmation,
			Reason: fmt.Sprintf("value %.2f TON exceeds large transaction threshold %.2f TON",
				value, limits.LargeTransactionThreshold),
		}
	}
	return pass(LayerLimitCheck, nil)
}
