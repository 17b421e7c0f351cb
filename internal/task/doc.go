// Package task manages background job queuing, processing, and lifecycle.
// It provides mechanisms for asynchronous execution of long-running
// generation work, one bounded queue and worker pool per queue kind, so that
// slow video jobs never starve image or text jobs. Jobs are recovered on
// restart, and processing tasks without a heartbeat are failed by a watchdog.
package task
