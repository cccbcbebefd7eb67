package resilience

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"gorm.io/gorm"

	qt "github.com/frankban/quicktest"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

func TestDefaultClassifier(t *testing.T) {
	c := qt.New(t)

	testCases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "cancelled context", err: fmt.Errorf("query: %w", context.Canceled), want: Cancelled},
		{name: "stop", err: fmt.Errorf("batch: %w", errdomain.ErrStopExecution), want: Cancelled},
		{name: "not found", err: fmt.Errorf("execution: %w", errdomain.ErrNotFound), want: NotRetryable},
		{name: "gorm not found", err: gorm.ErrRecordNotFound, want: NotRetryable},
		{name: "invalid argument", err: errdomain.ErrInvalidArgument, want: NotRetryable},
		{name: "invalid transition", err: errdomain.ErrInvalidTransition, want: NotRetryable},
		{name: "open circuit", err: errdomain.ErrCircuitOpen, want: NotRetryable},
		{name: "stale connection", err: errdomain.ErrStaleConnection, want: Transient},
		{name: "deadline", err: context.DeadlineExceeded, want: Transient},
		{name: "server closed", err: fmt.Errorf("FATAL: server closed the connection unexpectedly"), want: Transient},
		{name: "refused", err: fmt.Errorf("dial tcp 127.0.0.1:5432: connect: connection refused"), want: Transient},
		{name: "unknown", err: fmt.Errorf("pq: duplicate key value violates unique constraint"), want: NotRetryable},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			c.Check(DefaultClassifier(tc.err), qt.Equals, tc.want)
		})
	}
}

func TestTruncate(t *testing.T) {
	c := qt.New(t)

	c.Check(Truncate(nil, 10), qt.Equals, "")
	c.Check(Truncate(fmt.Errorf("short"), 10), qt.Equals, "short")

	long := fmt.Errorf("%s", strings.Repeat("é", 600))
	got := Truncate(long, 512)
	c.Check([]rune(got), qt.HasLen, 512)
}
