/*
Package servicebus provides the in-process domain event bus and its bridge to the
integration event publisher.

Domain events raised by aggregates are handed to a Queue after commit; the Queue drains
them in order into Bus.PublishDomain, which fans each occurrence out to its bound handlers.
Bridge binds the one handler per domain event type that translates the occurrence into an
integration event and publishes it.
*/
package servicebus
