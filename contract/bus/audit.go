package bus

import "context"

// AuditSink persists the raw body of every consumed message.
type AuditSink interface {
	InsertRawMessage(ctx context.Context, body string) error
}

// NopAuditSink discards audit records.
type NopAuditSink struct{}

func (NopAuditSink) InsertRawMessage(context.Context, string) error { return nil }
