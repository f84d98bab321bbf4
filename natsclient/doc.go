// Package natsclient manages the agent's NATS connection.
//
// A Client owns exactly one *nats.Conn. Other packages receive the Client (or a
// narrow interface over Publish and Subscribe) and never open or close connections
// themselves; *nats.Conn is safe for concurrent use, so handlers share it freely.
//
// # Connecting
//
// Connect makes one attempt. ConnectForever retries on a fixed interval (2s by
// default) with no attempt limit and returns only on success or when the context is
// cancelled, which is what a device booting before its network is up needs:
//
//	client, err := natsclient.NewClient("tls://nats.example.com:4222",
//	    natsclient.WithCredentialsFile("/etc/edgeworker/nats.creds"),
//	    natsclient.WithName("edgeworker"),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.ConnectForever(ctx); err != nil {
//	    return err // ctx cancelled
//	}
//	defer client.Close(context.Background())
//
// TLS is required when the URL contains "tls". A configured credentials file
// that does not exist is logged and skipped rather than failing the connection.
//
// # Subscribing
//
// Subscribe delivers each message with its subject and reply inbox. The handler runs
// on the subscription goroutine; blocking there leaves later messages in the
// subscription's pending buffer (see WithPendingLimits).
//
// # Testing
//
// Package natstest starts a NATS server in a container for integration tests.
package natsclient
