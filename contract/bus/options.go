package bus

// PublishOptions controls integration event publishing.
// Headers are copied before trace propagation fields are added.
type PublishOptions struct {
	MessageID string
	Headers   map[string]string
}
