package query

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceResponse is the native balance of one token as of the last deposit
// or withdrawal that touched it.
type BalanceResponse struct {
	Account      uuid.UUID       `json:"account"`
	Token        int             `json:"token"`
	Balance      decimal.Decimal `json:"balance"`
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// GetBalances returns the projected balances of account, by token. A nil
// token returns every token.
func (qs *QueryService) GetBalances(ctx context.Context, account uuid.UUID, token *int) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT token, balance, last_sequence
		FROM projections.balances
		WHERE account = $1
	`
	args := []interface{}{account}
	if token != nil {
		query += " AND token = $2"
		args = append(args, *token)
	}
	query += " ORDER BY token"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{Account: account, AsOfSequence: asOfSeq}
		var raw string
		if err := rows.Scan(&b.Token, &raw, &b.LastSequence); err != nil {
			return nil, err
		}
		if b.Balance, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("balance of token %d: %w", b.Token, err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}
