package errors

// Error codes for the bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeHandlerExists       = "eventbus.handler_exists"
	ErrCodeHandlerTypeMismatch = "eventbus.handler_type_mismatch"
	ErrCodeAsyncNotConfigured  = "eventbus.async_not_configured"
	ErrCodePublishFailed       = "eventbus.publish_failed"
	ErrCodeSerializationFailed = "eventbus.serialization_failed"
	ErrCodeUnknownEventType    = "eventbus.unknown_event_type"
	ErrCodeDuplicateEventType  = "eventbus.duplicate_event_type"
	ErrCodeTransport           = "eventbus.transport"
	ErrCodeUnroutable          = "eventbus.unroutable"
	ErrCodeBridgeTranslation   = "eventbus.bridge_translation"
	ErrCodeConfigInvalid       = "eventbus.config_invalid"
	ErrCodeClosed              = "eventbus.closed"
	ErrCodeAlreadyStarted      = "eventbus.already_started"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerTypeMismatch = Code(ErrCodeHandlerTypeMismatch)
	ErrAsyncNotConfigured  = Code(ErrCodeAsyncNotConfigured)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrUnknownEventType    = Code(ErrCodeUnknownEventType)
	ErrDuplicateEventType  = Code(ErrCodeDuplicateEventType)
	// ErrTransport marks a broker failure worth retrying (connection, channel, confirm timeout).
	ErrTransport = Code(ErrCodeTransport)
	// ErrUnroutable marks a mandatory message the broker returned because nothing was bound.
	ErrUnroutable        = Code(ErrCodeUnroutable)
	ErrBridgeTranslation = Code(ErrCodeBridgeTranslation)
	ErrConfigInvalid     = Code(ErrCodeConfigInvalid)
	ErrClosed            = Code(ErrCodeClosed)
	ErrAlreadyStarted    = Code(ErrCodeAlreadyStarted)
)
