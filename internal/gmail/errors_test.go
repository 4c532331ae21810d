package gmail

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "rate limited", err: fmt.Errorf("list: %w", ErrRateLimited), want: KindRateLimited},
		{name: "transient", err: fmt.Errorf("get: %w", ErrTransient), want: KindTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "not dispatched", err: fmt.Errorf("dial: %w", ErrNotDispatched), want: KindNotDispatched},
		{name: "unmarked", err: errors.New("boom"), want: KindPermanent},
		{name: "permanent", err: fmt.Errorf("403: %w", ErrPermanent), want: KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	assert.False(t, KindPermanent.Retryable())
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindRateLimited.Retryable())
	assert.True(t, KindNotDispatched.Retryable())
}
