package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePositive(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"100.00", nil},
		{"0.01", nil},
		{"5", nil},
		{"0", ErrNotPositive},
		{"-1.00", ErrNotPositive},
		{"1.005", ErrTooPrecise},
	}
	for _, tc := range cases {
		d, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		if tc.want == nil {
			assert.NoError(t, ValidatePositive(d), tc.in)
			continue
		}
		assert.ErrorIs(t, ValidatePositive(d), tc.want, tc.in)
	}
}

func TestAmountJSONUsesFixedScale(t *testing.T) {
	payload, err := json.Marshal(struct {
		Amount Amount `json:"amount"`
	}{Amount: NewAmount(decimal.NewFromInt(100))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"100.00"}`, string(payload))

	var decoded struct {
		Amount Amount `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":12.5}`), &decoded))
	assert.Equal(t, "12.50", decoded.Amount.String())
}

func TestAmountJSONRejectsNonNumbers(t *testing.T) {
	var decoded struct {
		Amount Amount `json:"amount"`
	}
	require.Error(t, json.Unmarshal([]byte(`{"amount":"ten"}`), &decoded))

	require.NoError(t, json.Unmarshal([]byte(`{"amount":" 7.25 "}`), &decoded))
	assert.Equal(t, "7.25", decoded.Amount.String())
}
