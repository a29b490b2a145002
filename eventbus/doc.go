/*
Package eventbus carries integration events across service boundaries.

Publisher resolves the routing key of an event through the registry, serializes it,
injects the trace context into the message headers and sends it through a bus.Sender
under a bounded exponential retry policy.

Consumer binds the service queue to every registered routing key, extracts the trace
context of each delivery, decodes the payload, fans it out to the handlers subscribed
for that key, writes an audit record and acknowledges the delivery. Deliveries are
acknowledged even when a handler fails, so a poison message is logged and dropped
instead of being redelivered forever.
*/
package eventbus

// ExchangeName returns the direct exchange shared by publishers and the consumer of queue.
func ExchangeName(queue string) string { return queue + "Exchange" }
