/*
Package rabbitmq provides the RabbitMQ transport for the event bus.

Sends declare the direct exchange, publish persistent messages in confirm mode and
report returned (unroutable) messages as errors.ErrUnroutable. Receives declare a
durable queue bound to every routing key, consume with manual acknowledgement and
hand each delivery to the consumer on its own goroutine. Connection keeps one AMQP
connection alive and redials with exponential backoff when the broker closes it.
*/
package rabbitmq
