// Package alert delivers out-of-band disconnect notifications.
//
// The Dispatcher reads the deployment's AlertChannelConfig and sends a short
// text through a designated connected session. A Cooldown keyed by session
// keeps flapping sessions from paging repeatedly, and an optional Mirror
// (MatrixMirror) copies every alert to a chat room. Delivery failures are
// reported to the caller and never retried here.
package alert
