// Package recovery restarts the gateway process through the deployment
// platform and marks every session disconnected once the restart is accepted.
//
// Pairing artifacts survive the reset, so a session with an unexpired image
// can resume pairing without starting over.
package recovery
