// Package commands executes decoded requests on the device.
//
// Router.Handle is the single entry point. It switches over every protocol.Request
// variant, so a request type without a case is caught by the default branch rather
// than silently ignored.
//
// Boot, camera and software update commands share one lifecycle. Each invocation
// publishes exactly one Started status event, runs a local process, and then
// publishes either a Success event (null payload) or an Error event carrying
// {exit_code, stdout, stderr}:
//
//	Started --exit 0--> Success
//	Started --exit !0--> Error
//	Started --spawn failed--> Error (exit_code -1), handler error
//
// If Started cannot be published the process is never run. Events for one
// invocation are published in order from the handling goroutine; ordering
// across subjects is up to the bus.
//
// The systemd handlers are thin proxies over systemd.Manager, and the settings
// load handler reads files and the git HEAD through the settings store.
// Settings apply/revert, cloud account linking and update rollback are accepted
// by the protocol but return errors.ErrNotImplemented.
package commands
