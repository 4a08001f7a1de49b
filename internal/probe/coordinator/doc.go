// Package coordinator decides when instrumentation in the observed process
// must change and drives each change through the class rewriter and the
// process's redefinition facility.
//
// # Overview
//
// Consumers attach with a key and enable or disable events. Method-level
// events are realized by probes injected into code; a probe that already
// exists at a location is shared, so enabling it for another key costs
// nothing. Disabling the last key of a probe schedules its retraction.
// Field and exception events are served by runtime watches and never need a
// rewrite.
//
// Changes accumulate as dirty members. A redefinition cycle, run by a
// scheduler worker, fetches each dirty class, lets the rewriter apply the
// changes while the probe tracker records them, and pushes every modified
// class to the process in one redefinition:
//
//	Idle -> Suspending -> Rewriting -> Redefining -> Resuming -> Idle
//
// If the rewriter or the redefinition fails, the probe bookkeeping of the
// whole batch is undone and the configured ErrorPolicy decides whether the
// process resumes, is detached from, or is halted.
//
// # Synchronous requests
//
// A synchronous enable or disable suspends the observed process before it
// returns, and when a rewrite is needed it returns only after the cycle
// completed. Events already produced by the old code may still be
// delivered afterwards.
//
// # Example
//
//	c, err := coordinator.New(target, dispatcher, rewriter,
//		coordinator.WithLogger(log),
//		coordinator.WithErrorPolicy(coordinator.PolicyResume))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	key := event.NewConsumerKey()
//	_ = c.Attach(key)
//	loc := event.Location{Type: "com.acme.Cart", Member: "add", Signature: "(I)V"}
//	if _, err := c.EnableMethodEvent(ctx, key, event.KindVirtualMethodEnter, loc, true); err != nil {
//		return err
//	}
package coordinator
