// Package pipeline executes canonical requests against the provider.
//
// Each attempt leases a credential from the pool, uploads any input
// images, sends the chat payload and waits for the first decodable frame.
// Until that frame arrives the attempt is uncommitted: authentication and
// rate-limit rejections, transport failures and first-byte timeouts are
// retried on another credential, up to the configured attempt count.
// Once committed, failures end the response instead.
//
// Three timeouts bound an attempt:
//
//	first byte   from sending the payload to the first line
//	chunk        between consecutive lines once streaming
//	total        the whole exchange, uploads included
//
// Every attempt reports exactly one outcome back to the pool. A finished
// response or one that delivered output is credited as a success; a
// caller that disconnects before any output releases the reservation
// without crediting it.
package pipeline
