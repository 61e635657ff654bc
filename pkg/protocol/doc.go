// Package protocol implements the JSON-RPC 2.0 message codec used by the
// session layer: a closed tagged union of Request, Response and Notification,
// a pure Decode/Encode pair with error classification, and the reserved
// method names and error-code taxonomy shared by client and server.
package protocol
