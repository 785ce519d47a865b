// Package ctxmgr implements the context manager: the registry of providers and
// the bookkeeping that connects client requests with provider values.
//
// A Provider serves one subject. Clients subscribe to a subject with an option;
// all subscriptions with the same (subject, option) share one provider
// subscription, started by the first subscriber and stopped when the last one
// left. Reads are pending until the provider calls ReplyToRead, synchronous
// reads block until then or until the read timeout. Options are compared by
// their canonical JSON, so {"a":1,"b":2} and {"b":2, "a":1} are the same.
//
// Values reach clients through the Responder each request carries. Responders
// are never called with an internal lock held, providers may therefore call
// Publish and ReplyToRead from within their own methods.
//
// A completion published concurrently with an Unsubscribe of the same request
// may still reach the client.
package ctxmgr
