package chains

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/stablepay/types"
)

func TestPoller_StopsWhenDone(t *testing.T) {
	var slept []time.Duration
	p := Poller{
		Interval: 3 * time.Second,
		Attempts: 20,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}

	calls := 0
	done, err := p.Poll(context.Background(), func(_ context.Context, attempt int) (bool, error) {
		calls++
		return attempt == 3, nil
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, slept)
}

func TestPoller_Exhausted(t *testing.T) {
	calls := 0
	done, err := instantPoller(5).Poll(context.Background(), func(context.Context, int) (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 5, calls)
}

func TestPoller_CheckError(t *testing.T) {
	boom := errors.New("boom")
	_, err := instantPoller(5).Poll(context.Background(), func(context.Context, int) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPoller_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Poller{Interval: time.Hour, Attempts: 3}
	done, err := p.Poll(ctx, func(context.Context, int) (bool, error) {
		t.Fatal("check must not run")
		return false, nil
	})
	assert.False(t, done)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    string
		message string
	}{
		{
			name:    "provider rejection code",
			err:     &types.ProviderError{Code: types.ProviderUserRejected, Message: "denied"},
			code:    types.ErrUserRejected,
			message: types.MsgUserRejected,
		},
		{
			name:    "rejected in message",
			err:     errors.New("User rejected the request."),
			code:    types.ErrUserRejected,
			message: types.MsgUserRejected,
		},
		{
			name:    "insufficient balance",
			err:     errors.New("execution reverted: ERC20: transfer amount exceeds balance (insufficient funds)"),
			code:    types.ErrInsufficientBalance,
			message: types.MsgInsufficientBalance,
		},
		{
			name:    "coded error passes through",
			err:     fmt.Errorf("wrapped: %w", types.NewError(types.ErrWrongNetwork, "Please switch to Base")),
			code:    types.ErrWrongNetwork,
			message: "Please switch to Base",
		},
		{
			name:    "other errors keep their text",
			err:     errors.New("nonce too low"),
			code:    types.ErrTransactionFailed,
			message: "nonce too low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.message, got.Message)
		})
	}

	assert.Nil(t, Classify(nil))
}
