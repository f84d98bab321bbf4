// Package errors provides the error classification used across the edge worker.
//
// # Classes
//
//   - Transient: the bus is unreachable, a publish timed out. Retry is appropriate.
//   - Invalid: a message could not be routed or decoded, or a command variant has no
//     implementation. The message is answered with an error envelope or dropped.
//   - Fatal: configuration problems detected at startup.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: cause":
//
//	if err := m.StartUnit(ctx, name); err != nil {
//	    return errs.WrapTransient(err, "systemd", "StartUnit", "start unit")
//	}
//
// Callers inspect with errors.Is against the sentinels in this package, or with
// Classify when the decision only depends on the class.
package errors
