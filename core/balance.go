package core

import (
	"context"
	"fmt"
)

// UnknownPaygateTier is recorded when the external service did not report a tier.
const UnknownPaygateTier = ""

// BalanceOutcome is the result of a best-effort balance fetch. SoftErr is set
// when the fetch failed in a way callers are expected to tolerate; Balance
// then holds the zero balance with an unknown tier.
type BalanceOutcome struct {
	Balance Balance
	Fetched bool
	SoftErr error
}

func (o BalanceOutcome) Soft() bool {
	return o.SoftErr != nil
}

// fetchBalance separates tolerated fetch failures from cancellation, which is
// returned as a hard error.
func (m *TokenManager) fetchBalance(ctx context.Context, accessToken string) (BalanceOutcome, error) {
	balance, err := m.client.FetchBalance(ctx, accessToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return BalanceOutcome{}, ctxErr
		}
		return BalanceOutcome{
			Balance: Balance{PaygateTier: UnknownPaygateTier},
			SoftErr: fmt.Errorf("%w: %v", ErrBalanceFetchFailed, err),
		}, nil
	}
	return BalanceOutcome{Balance: balance, Fetched: true}, nil
}
