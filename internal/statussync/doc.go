// Package statussync reconciles stored session status with the gateway.
//
// Three writers feed the same status field: client polls (Poll, Watch), gateway
// pushes (IngestWebhook) and the fleet sweep, which calls PollSession. All of
// them go through one mapping function, MapStatus, and one commit path that
// suppresses no-op writes and retries lost compare-and-swap races against a
// fresh read. Committed changes are appended to the status history.
package statussync
