// Package protocol defines the wire format spoken between a task worker and the
// process that owns its message channel: length-prefixed frames carrying a kind
// byte and a JSON body, the task request envelope, and best-effort payload
// decoding.
package protocol
