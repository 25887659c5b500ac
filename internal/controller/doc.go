// Package controller implements the workflow session state machine.
//
// A session moves idle → planning → ready_for_build → building → complete,
// with paused reachable from planning and building on cancellation or budget
// exhaustion. The host calls Evaluate once per worker turn; Evaluate never
// blocks on the worker and returns either a continue decision carrying the
// next directive or a halt decision carrying a reason.
//
// Work unit failures and review rejections are policy inputs handled by the
// circuit breaker and surface as ordinary continue directives. An unreachable
// dependency store and a lease conflict surface as halts.
package controller
