package core

import (
	"context"
	"runtime/debug"
)

// =============================================================================
// Submit and Reply
// =============================================================================

// SubmitAndReply runs body on the queue's worker, then delivers its result to
// reply on the interactive thread behind gateway.
//
// Execution guarantee (Happens-Before):
// - The body ALWAYS completes (or is canceled) before the reply starts
// - The reply ALWAYS sees the final result of the body
// - Canceled and failed operations reply too, with the error
//
// A nil gateway runs reply on the goroutine that resolved the future (the
// worker, or the canceling goroutine), after the operation is recorded. A panic
// in such a reply is logged and does not change the operation's outcome. The
// returned future resolves before the reply runs.
//
// Example:
//
//	SubmitAndReply(
//	    queue, "list-entries", PriorityHigh,
//	    func(ctx context.Context) ([]string, error) {
//	        return archive.List(ctx)
//	    },
//	    gateway,
//	    func(entries []string, err error) {
//	        view.Show(entries, err)
//	    },
//	)
func SubmitAndReply[T any](
	q *OperationQueue,
	name string,
	priority Priority,
	body func(ctx context.Context) (T, error),
	gateway *ThreadGateway,
	reply func(T, error),
	opts ...SubmitOption,
) (*Future[T], error) {
	fut, err := Submit(q, name, priority, body, opts...)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return fut, nil
	}

	fut.onDone(func() {
		v, err := fut.Get()
		if gateway == nil {
			defer func() {
				if rec := recover(); rec != nil {
					q.logger.Error("reply panicked",
						F("queue", q.name), F("operation", name), F("panic", rec),
						F("stack", string(debug.Stack())))
				}
			}()
			reply(v, err)
			return
		}
		if postErr := gateway.Post(func() { reply(v, err) }); postErr != nil {
			q.logger.Warn("reply dropped",
				F("queue", q.name), F("operation", name), F("error", postErr))
		}
	})
	return fut, nil
}
