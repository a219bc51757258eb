package payments

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/marketcore/internal/market"
)

func TestNormalizeOutcome(t *testing.T) {
	tests := []struct {
		status, substatus string
		want              market.Outcome
		final             bool
	}{
		{"paid", "", market.OutcomeSucceeded, true},
		{"PAID", "", market.OutcomeSucceeded, true},
		{"open", "succeeded", market.OutcomeSucceeded, true},
		{"failed", "", market.OutcomeFailed, true},
		{"open", "failed", market.OutcomeFailed, true},
		{"canceled", "", market.OutcomeFailed, true},
		{"open", "pending", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		got, final := NormalizeOutcome(tt.status, tt.substatus)
		assert.Equal(t, tt.want, got, "%s/%s", tt.status, tt.substatus)
		assert.Equal(t, tt.final, final, "%s/%s", tt.status, tt.substatus)
	}
}

func TestParseCredentials(t *testing.T) {
	c, err := ParseCredentials(map[string]string{
		"base_url":   "https://api.whop.test/ ",
		"api_key":    "sk_live",
		"company_id": "biz_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.whop.test", c.BaseURL)
	assert.Empty(t, c.WebhookSecret)

	_, err = ParseCredentials(map[string]string{"base_url": "x"})
	assert.ErrorContains(t, err, "api_key, company_id")
}

func TestPayment_TradeID(t *testing.T) {
	assert.Empty(t, (&Payment{}).TradeID())
	assert.Equal(t, "t1", (&Payment{Metadata: map[string]string{"tradeId": "t1"}}).TradeID())
}

func TestIsRejection(t *testing.T) {
	assert.True(t, isRejection(market.ErrInvalidTransition))
	assert.True(t, isRejection(&market.Error{Kind: market.KindNotFound, Msg: "trade t1 not found"}))
	assert.False(t, isRejection(market.ErrConflict))
	assert.False(t, isRejection(errors.New("db down")))
}
