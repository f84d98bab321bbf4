// Package protocol defines the request/reply wire contract of the edge worker.
//
// Requests and replies are closed unions: every variant implements Request or
// Reply and nothing outside this package can add one. The discriminator is the
// canonical subject pattern (see package subject), so DecodeRequest needs the
// pattern as well as the bytes:
//
//	pattern, ok := subject.Canonicalize(msg.Subject, deviceID)
//	req, err := protocol.DecodeRequest(pattern, msg.Data)
//
// Each reply variant echoes the request it answers, which is how callers
// correlate replies on a transport with no call/return semantics. A handler
// failure is reported with an ErrorEnvelope instead.
//
// Incoming payloads are checked against a JSON Schema per variant before they are
// decoded. Unknown patterns and payloads that fail the schema are both invalid
// errors and must not be retried.
//
// StatusEvent is the record the command handlers publish on pi.<pi>.status.<domain>
// as a command moves from Started to Success or Error.
package protocol
