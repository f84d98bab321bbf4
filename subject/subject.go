// Package subject maps concrete NATS subjects to the canonical patterns used as
// dispatch keys.
//
// Every subject the agent receives has the device id as its second segment, for
// example pi.octopi.command.boot. Canonicalize swaps that segment for the
// {pi_id} placeholder so the same handler table serves every device.
package subject

import (
	"strconv"
	"strings"
)

// Placeholder replaces the device id segment in canonical patterns
const Placeholder = "{pi_id}"

// Root is the first segment of every device subject
const Root = "pi"

// deviceSegment is the index of the device id in a split subject
const deviceSegment = 1

// Canonicalize replaces the device id segment of subj with Placeholder. The
// comparison is case-insensitive against the lowercased device id. When the
// second segment is not the device id, subj is returned unchanged with ok=false.
func Canonicalize(subj, deviceID string) (pattern string, ok bool) {
	if deviceID == "" {
		return subj, false
	}

	parts := strings.Split(subj, ".")
	if len(parts) <= deviceSegment {
		return subj, false
	}
	if !strings.EqualFold(parts[deviceSegment], strings.ToLower(deviceID)) {
		return subj, false
	}

	parts[deviceSegment] = Placeholder
	return strings.Join(parts, "."), true
}

// Concrete substitutes the lowercased device id for Placeholder in pattern
func Concrete(pattern, deviceID string) string {
	return strings.Replace(pattern, Placeholder, strings.ToLower(deviceID), 1)
}

// Subscription returns the wildcard subject covering the device's namespace
func Subscription(deviceID string) string {
	return Root + "." + strings.ToLower(deviceID) + ".>"
}

// Status returns the subject a status event for domain is published on. pi is
// the numeric device id carried in the command, not the hostname.
func Status(pi int, domain string) string {
	return Root + "." + strconv.Itoa(pi) + ".status." + domain
}
