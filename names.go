package bunnybus

// Version is the library version stamped into published messages.
const Version = "1.0.0"

// Well-known connection and channel names.
const (
	DefaultConnectionName = "default"
	PublisherChannelName  = "bunnybus-publisher"
	AdminChannelName      = "bunnybus-admin"

	queueChannelPrefix = "subscribe:"
	errorQueueSuffix   = "_error"
)

// QueueChannelName returns the consumer channel name for a queue.
func QueueChannelName(queue string) string {
	return queueChannelPrefix + queue
}

// ErrorQueueName returns the error-queue sidecar name for a queue.
func ErrorQueueName(queue string) string {
	return queue + errorQueueSuffix
}
