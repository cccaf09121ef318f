// Package evolution is the client for the external messaging gateway.
//
// The gateway owns the actual phone-number chat connections. pairwatch only
// asks it to allocate sessions, issue pairing images, report connection state,
// tear sessions down and send the occasional alert text.
//
// # Calls
//
//	POST   /session/create             {name}
//	POST   /session/connect/{name}     -> pairing image
//	GET    /session/status/{name}      -> connection state
//	DELETE /session/teardown/{name}
//	POST   /session/webhook/{name}     {url, events}
//	POST   /message/sendText/{name}    {number, text}
//
// Every request carries the "apikey" header. Calls are synchronous, bounded by
// the configured timeout and never retried here.
//
// # Response Shapes
//
// The gateway has returned several shapes for the same data over time.
// ParsePairingImage, ParseState and ParseWebhook each turn every known shape
// into one typed value and fail with ErrUnrecognizedResponse otherwise.
//
// # Errors
//
//   - ErrNotConfigured: base URL or API key missing
//   - *APIError: non-2xx response, Message holds the gateway's wording
//   - ErrUnrecognizedResponse: payload matched no known shape
//
// Creating a session that already exists is not an error; CreateSession
// reports it through its alreadyExists result.
package evolution
