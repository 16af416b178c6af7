package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gemini-hlsw/lucuma-odb-sub008/pkg/loop"
)

func TestStart(t *testing.T) {
	t.Run("it loops until the task breaks, carrying the value", func(t *testing.T) {
		ctx := context.Background()
		actual, err := loop.Start(ctx, 1, func(_ context.Context, value int) (int, loop.Next) {
			value += 1
			if 10 <= value {
				return value, loop.Break(nil)
			}
			return value, loop.Continue(0)
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if actual != 10 {
			t.Errorf("expected 10, got %d", actual)
		}
	})

	t.Run("it returns the error passed to Break", func(t *testing.T) {
		ctx := context.Background()
		expected := errors.New("fake error")
		value, err := loop.Start(ctx, "seed", func(context.Context, string) (string, loop.Next) {
			return "stopped", loop.Break(expected)
		})
		if !errors.Is(err, expected) {
			t.Errorf("expected error %v, got %v", expected, err)
		}
		if value != "stopped" {
			t.Errorf("expected last value, got %s", value)
		}
	})

	t.Run("it does not start the task when ctx is already done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		_, err := loop.Start(ctx, 0, func(context.Context, int) (int, loop.Next) {
			called = true
			return 0, loop.Break(nil)
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if called {
			t.Error("task should not be called")
		}
	})

	t.Run("it stops between iterations when ctx is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		count := 0
		_, err := loop.Start(ctx, 0, func(context.Context, int) (int, loop.Next) {
			count += 1
			cancel()
			return count, loop.Continue(time.Hour)
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if count != 1 {
			t.Errorf("expected a single iteration, got %d", count)
		}
	})

	t.Run("WithTimeout sets a deadline on the task context", func(t *testing.T) {
		ctx := context.Background()
		_, err := loop.Start(
			ctx, 0,
			func(taskCtx context.Context, _ int) (int, loop.Next) {
				if _, ok := taskCtx.Deadline(); !ok {
					t.Error("task context should have a deadline")
				}
				return 0, loop.Break(nil)
			},
			loop.WithTimeout(time.Minute),
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
