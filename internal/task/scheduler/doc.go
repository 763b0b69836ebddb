// Package scheduler is the named trigger registry.
//
// It owns every recurring trigger by name (daily HH:MM or fixed interval) and
// only computes fire times: each fire is enqueued into the task engine, so no
// job work runs on the cron goroutine.
package scheduler
