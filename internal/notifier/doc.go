// Package notifier delivers operator notifications asynchronously.
//
// Notifications are short messages for the people running the bot: run
// reports, queue-empty reminders, alerts. The pipeline is a bounded queue
// served by a worker pool behind a rate limiter, with retry that honors
// server flood waits. Delivery is best effort; failures surface as
// notify.failed events and log lines, never as errors to the caller.
package notifier
