package errors

import (
	stderrors "errors"
	"io"
	"testing"
)

func TestError(t *testing.T) {
	tests := []struct {
		name string
		err  *E
		want string
	}{
		{
			name: "with cause",
			err:  Wrap(ConsumeFailed, "read socket", io.EOF),
			want: "consume_failed: read socket: EOF",
		},
		{
			name: "without cause",
			err:  New(QueueClosed, "runner is closed"),
			want: "queue_closed: runner is closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindChain(t *testing.T) {
	inner := Wrap(FlushFailed, "write socket", io.ErrClosedPipe)
	outer := Wrap(WorkerStopped, "request abandoned", inner)

	if got := KindOf(outer); got != WorkerStopped {
		t.Errorf("KindOf() = %q, want %q", got, WorkerStopped)
	}
	if !Is(outer, FlushFailed) {
		t.Error("Is(outer, FlushFailed) = false, want true")
	}
	if Is(outer, PollFailed) {
		t.Error("Is(outer, PollFailed) = true, want false")
	}
	if !stderrors.Is(outer, io.ErrClosedPipe) {
		t.Error("errors.Is did not reach the root cause")
	}
	joined := stderrors.Join(New(QueueClosed, "closed"), inner)
	if !Is(joined, FlushFailed) {
		t.Error("Is did not look past the first joined error")
	}
	if KindOf(io.EOF) != "" {
		t.Error("KindOf(plain error) should be empty")
	}
}
