// Package audit stores the raw body of every consumed integration event.
// MongoSink and PostgresSink implement bus.AuditSink.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Record is one audited message.
type Record struct {
	ID          uuid.UUID
	Description string
	CreatedAt   time.Time
}

func newRecord(body string, now func() time.Time) Record {
	return Record{ID: uuid.New(), Description: body, CreatedAt: now().UTC()}
}
