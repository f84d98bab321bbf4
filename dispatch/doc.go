// Package dispatch receives device command messages from NATS and runs them on a
// bounded set of workers.
//
// A Dispatcher owns a single wildcard subscription for the device (pi.<id>.> by
// default). Every message is canonicalized against the known subject patterns,
// decoded into a protocol.Request and handed to a worker.Pool. Submission blocks
// while all workers are busy, which leaves further messages in the subscription
// buffer rather than dropping them.
//
// Workers call the Handler and, when the message carried a reply address,
// publish either the encoded reply or a protocol.ErrorEnvelope. Messages that do
// not match a pattern or fail to decode are logged, counted and dropped. No reply
// is sent for them.
//
// Handlers run under a context that is detached from the subscription. When Run's
// context ends the subscription is removed and in-flight handlers get the
// configured shutdown timeout to finish before their context is cancelled.
//
//	d, err := dispatch.New(client, router, "octopi",
//		dispatch.WithWorkers(8),
//		dispatch.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	return d.Run(ctx)
package dispatch
