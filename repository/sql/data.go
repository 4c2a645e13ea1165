package sql

import (
	"database/sql"
	"fmt"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/google/uuid"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    uuid.UUID
	lockedAt    sql.NullTime
	lockedUntil sql.NullTime
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy,
		o.lockedAt,
		o.lockedUntil,
		o.version)
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord reads a row selected with outboxColumns.
func scanRecord(s scanner) (*rbx.OutboxRecord, error) {
	var or rbx.OutboxRecord
	var status string
	err := s.Scan(&or.Id, &or.AggregateType, &or.AggregateId, &or.EventType, &or.Payload,
		&or.CreatedAt, &or.AttemptCount, &or.NextAttemptAt, &status, &or.LastError)
	if err != nil {
		return nil, err
	}
	or.Status = rbx.Status(status)
	return &or, nil
}
