// Package backend defines the contract a computation module implements to be
// driven by the task dispatcher: one-time asynchronous initialization across a
// number of execution lanes, producing the Capability Set of exported tasks.
// It also holds the registry that maps configured backend kinds to factories.
package backend
