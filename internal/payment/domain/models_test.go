package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestParseMethod(t *testing.T) {
	cases := map[string]Method{
		"Cash":           MethodCash,
		" bank transfer": MethodBankTransfer,
		"BANK-TRANSFER":  MethodBankTransfer,
		"upi":            MethodUPI,
	}
	for raw, want := range cases {
		got, ok := ParseMethod(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got)
	}

	_, ok := ParseMethod("bitcoin")
	assert.False(t, ok)
}

func TestBalanceExceededError(t *testing.T) {
	var err error = &BalanceExceededError{Remaining: decimal.NewFromInt(400)}
	assert.EqualError(t, err, "amount exceeds remaining balance of 400.00")
	assert.True(t, errors.Is(err, ErrAmountExceedsBalance))

	var target *BalanceExceededError
	assert.True(t, errors.As(err, &target))
	assert.True(t, target.Remaining.Equal(decimal.NewFromInt(400)))
}

func TestSumPartitionsByStatus(t *testing.T) {
	payments := []*Payment{
		{Amount: decimal.NewFromInt(100), Status: StatusPaid},
		{Amount: decimal.NewFromInt(50), Status: StatusPaid},
		{Amount: decimal.NewFromInt(30), Status: StatusPending},
		{Amount: decimal.NewFromInt(20), Status: StatusOverdue},
		nil,
	}

	totals := Sum(payments)
	assert.True(t, totals.Paid.Equal(decimal.NewFromInt(150)))
	assert.True(t, totals.Pending.Equal(decimal.NewFromInt(30)))
	assert.True(t, totals.Overdue.Equal(decimal.NewFromInt(20)))
	assert.True(t, totals.All().Equal(decimal.NewFromInt(200)))
	assert.Equal(t, 2, totals.PaidCount)
}

func TestDateOnly(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	in := time.Date(2024, 3, 10, 2, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), DateOnly(in))
}

func TestPatchFields(t *testing.T) {
	status := StatusOverdue
	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fields := Patch{Status: &status, UpdatedAt: updated}.Fields()
	assert.Equal(t, map[string]any{"status": StatusOverdue, "updated_at": updated}, fields)
	assert.Empty(t, Patch{UpdatedAt: updated}.Fields())
}
