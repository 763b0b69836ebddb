package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		err   error
		class Class
		wait  time.Duration
	}{
		{name: "nil", err: nil, class: ClassNone},
		{name: "rate limited", err: RateLimited(errors.New("flood"), 30*time.Second), class: ClassRateLimited, wait: 30 * time.Second},
		{name: "rate limited wrapped", err: fmt.Errorf("send: %w", RateLimited(nil, 3*time.Second)), class: ClassRateLimited, wait: 3 * time.Second},
		{name: "explicit transient", err: Transient(errors.New("bad gateway")), class: ClassTransient},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), class: ClassTransient},
		{name: "eof", err: io.ErrUnexpectedEOF, class: ClassTransient},
		{name: "url error", err: &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: errors.New("connection reset")}, class: ClassTransient},
		{name: "op error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, class: ClassTransient},
		{name: "fatal", err: errors.New("telegram: chat not found (400)"), class: ClassFatal},
		{name: "canceled", err: context.Canceled, class: ClassCanceled},
		{name: "canceled inside url error", err: &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: context.Canceled}, class: ClassCanceled},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			class, wait := Classify(tc.err)
			assert.Equal(t, tc.class, class)
			assert.Equal(t, tc.wait, wait)
		})
	}
}

func TestRateLimitedNegativeWait(t *testing.T) {
	t.Parallel()
	class, wait := Classify(RateLimited(errors.New("x"), -time.Second))
	assert.Equal(t, ClassRateLimited, class)
	assert.Zero(t, wait)
}

func TestTransientNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Transient(nil))
}
