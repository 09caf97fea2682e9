package firestore

import (
	"context"
	"errors"
	"testing"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/marketday/api/internal/platform/config"
)

func TestWrapErrorClassification(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}

	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("idempotency.reserve", status.Error(tc.code, "boom"))
			var wrapped *Error
			require.True(t, errors.As(err, &wrapped))
			assert.Equal(t, tc.notFound, wrapped.IsNotFound())
			assert.Equal(t, tc.conflict, wrapped.IsConflict())
			assert.Equal(t, tc.unavailable, wrapped.IsUnavailable())
			assert.Contains(t, wrapped.Error(), "idempotency.reserve")
		})
	}
}

func TestWrapErrorPassesContextErrors(t *testing.T) {
	assert.ErrorIs(t, WrapError("op", context.Canceled), context.Canceled)
	assert.ErrorIs(t, WrapError("op", status.Error(codes.Canceled, "client went away")), context.Canceled)
	assert.ErrorIs(t, WrapError("op", status.Error(codes.DeadlineExceeded, "slow")), context.DeadlineExceeded)
	assert.NoError(t, WrapError("op", nil))
}

func TestWrapErrorKeepsExistingError(t *testing.T) {
	first := WrapError("", status.Error(codes.NotFound, "missing"))
	second := WrapError("outer", first)

	var wrapped *Error
	require.True(t, errors.As(second, &wrapped))
	assert.True(t, wrapped.IsNotFound())
	assert.Contains(t, wrapped.Error(), "outer")
}

func TestRunTransactionRejectsNilClient(t *testing.T) {
	err := RunTransaction(context.Background(), nil, func(context.Context, *gcfirestore.Transaction) error { return nil })
	require.Error(t, err)
}

func TestProviderClosed(t *testing.T) {
	provider := NewProvider(config.FirestoreConfig{ProjectID: "marketday-test"})
	require.NoError(t, provider.Close())
	require.NoError(t, provider.Close())

	_, err := provider.Client(context.Background())
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestProviderRequiresProjectID(t *testing.T) {
	t.Setenv(envGoogleProjectID, "")
	provider := NewProvider(config.FirestoreConfig{})
	_, err := provider.Client(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project id")
}
