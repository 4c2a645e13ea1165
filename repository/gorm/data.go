package gorm

import (
	"database/sql"
	"fmt"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/google/uuid"
)

type outboxLock struct {
	ID          int
	Locked      bool
	LockedBy    uuid.UUID
	LockedAt    sql.NullTime
	LockedUntil sql.NullTime
	Version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.Locked,
		o.LockedBy,
		o.LockedAt,
		o.LockedUntil,
		o.Version)
}

// scanRecord reads a row selected with outboxColumns.
func scanRecord(rows *sql.Rows) (*rbx.OutboxRecord, error) {
	var or rbx.OutboxRecord
	var status string
	err := rows.Scan(&or.Id, &or.AggregateType, &or.AggregateId, &or.EventType, &or.Payload,
		&or.CreatedAt, &or.AttemptCount, &or.NextAttemptAt, &status, &or.LastError)
	if err != nil {
		return nil, err
	}
	or.Status = rbx.Status(status)
	return &or, nil
}
