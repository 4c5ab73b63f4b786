// Package webhook delivers orchestrator notifications to an external HTTP
// endpoint, signed with HMAC-SHA256 over the request body.
//
// Each delivery is a POST of the JSON notification:
//
//	{"id": 42, "type": "bot.killed", "at": "...", "data": {...}}
//
// with headers:
//
//	X-Warden-Event:     bot.killed
//	X-Warden-Delivery:  42
//	X-Warden-Signature: sha256=<hex hmac of body>
//
// Receivers check the signature with Verify, which compares in constant time.
// Any non-2xx answer is a failed delivery; the forwarder logs it and moves on.
package webhook
