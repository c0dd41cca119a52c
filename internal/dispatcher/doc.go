// Package dispatcher implements the task worker: it initializes a computation
// backend once, announces readiness on every channel it serves, and forwards
// each named task request to the matching entry of the backend's Capability
// Set, writing back one result per request.
//
// Requests on one channel are handled strictly in order: the next request is
// not read until the previous result has been written. The wire protocol has
// no correlation id, so callers match results to requests by arrival order.
package dispatcher
