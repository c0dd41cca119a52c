// Package capability holds the Capability Set: the read-only mapping from task
// name to the function that implements it. A computation module builds one set
// during initialization; the dispatcher only ever reads it.
package capability
