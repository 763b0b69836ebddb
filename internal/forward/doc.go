// Package forward is the queue forwarding engine.
//
// A group owns a durable queue, a list of destination channels and a daily
// schedule. Every schedule entry is a dispatch trigger: when it fires, one
// batch is read from the group's queue, fanned out to every destination,
// deleted, and reported to the operator chat that started forwarding. When a
// group's queue runs dry a watchdog trigger reminds the operator until new
// items arrive.
//
// Delivery is at most once: every item of a batch is deleted after it was
// attempted, whatever the per-destination outcome.
package forward
