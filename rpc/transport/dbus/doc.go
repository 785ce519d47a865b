// Package dbus implements the context bus on D-Bus.
//
// The service owns a well-known bus name (default "org.ctxd.context") and
// exports the method
//
//	org.ctxd.context.Request(i requestType, s cookie, i reqId, s subject, s input)
//	    -> (i errorCode, s result, s output)
//
// on the object path /org/ctxd/context. Every client exports
//
//	org.ctxd.context.Respond(i reqId, s subject, i errorCode, s output)
//
// on the same path; the service calls it without expecting a reply to
// deliver asynchronous completions. Clients are identified by their unique
// bus name; a NameOwnerChanged signal that drops that name is reported as a
// disconnect.
//
// Errors: an AccessDenied error from the bus maps to
// errcode.ErrPermissionDenied, a deadline to transport.ErrTimeout, anything
// else is returned as is (and is treated as errcode.ErrOperationFailed by the
// client).
package dbus
