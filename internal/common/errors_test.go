package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errFlaky = NewKindError(KindTransient, "FLAKY", "remote flaked")

func TestKindOf(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(nil))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindTransient, KindOf(errFlaky))
	require.Equal(t, KindTransient, KindOf(fmt.Errorf("push: %w", errFlaky)))
	require.Equal(t, KindValidation, KindOf(ErrInvalidInput))
	require.Equal(t, KindPermanent, KindOf(ErrNotFound))
	require.Equal(t, KindTransient, KindOf(fmt.Errorf("ocr: %w", context.DeadlineExceeded)))
	require.Equal(t, KindPermanent, KindOf(context.Canceled))

	// an unclassified wrapper defers to its cause
	wrapped := NewAppError("STAGE", "extract", errFlaky)
	require.Equal(t, KindTransient, KindOf(wrapped))
	require.True(t, IsTransient(wrapped))
	require.ErrorIs(t, wrapped, errFlaky)
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{ErrNotFound, codes.NotFound},
		{fmt.Errorf("get: %w", ErrNotFound), codes.NotFound},
		{errFlaky, codes.Unavailable},
		{ErrInvalidInput, codes.InvalidArgument},
		{NewKindError(KindConflict, "STALE", "stale"), codes.Aborted},
		{NewKindError(KindPermanent, "QUOTA", "quota"), codes.FailedPrecondition},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}
	for _, tc := range cases {
		st, ok := status.FromError(ToStatus(tc.err))
		require.True(t, ok)
		require.Equal(t, tc.code, st.Code(), tc.err.Error())
	}
	require.NoError(t, ToStatus(nil))
}

func TestValidator(t *testing.T) {
	v := NewValidator().
		Field("amount", -1.0, NonNegativeAmount).
		Field("date", "2024-13-01", ISODate).
		Field("counterparty", "  ", Required).
		Field("currency", "usd", CurrencyCode).
		Field("description", "ok", MaxLength(10))

	require.True(t, v.HasErrors())
	require.Len(t, v.Errors(), 4)
	require.Equal(t, []string{
		"amount: must not be negative",
		"date: must be a date in YYYY-MM-DD form",
		"counterparty: is required",
		"currency: must be 3 uppercase letters (ISO 4217)",
	}, v.Reasons())

	st, ok := status.FromError(ValidateAndReturnError(v))
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())

	clean := NewValidator().Field("date", "2024-03-01", ISODate).Field("currency", "", CurrencyCode)
	require.NoError(t, clean.Error())
}

func TestNonNegativeAmountDecimal(t *testing.T) {
	require.Nil(t, NonNegativeAmount("amount", decimal.RequireFromString("0.10")))
	require.Nil(t, NonNegativeAmount("amount", decimal.Decimal{}))
	err := NonNegativeAmount("amount", decimal.RequireFromString("-0.01"))
	require.NotNil(t, err)
	require.Equal(t, "must not be negative", err.Message)
}
