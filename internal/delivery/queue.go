package delivery

import (
	"context"
	"time"
)

// Queue runs items strictly in order with a fixed pause between them.
type Queue struct {
	delay time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

func NewQueue(delay time.Duration) *Queue {
	return &Queue{delay: delay, sleep: sleepCtx}
}

// Run calls fn for each item in order, pausing between items. A failing item
// does not stop the queue; its error is kept at the item's index. Run stops
// early only when ctx is done, leaving the remaining items unattempted.
func (q *Queue) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) ([]error, error) {
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		if i > 0 && q.delay > 0 {
			if err := q.sleep(ctx, q.delay); err != nil {
				return errs, err
			}
		}
		if err := ctx.Err(); err != nil {
			return errs, err
		}
		errs[i] = fn(ctx, i)
	}
	return errs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
