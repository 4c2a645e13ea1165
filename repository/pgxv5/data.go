package pgxv5

import (
	"fmt"

	"github.com/3rs4lg4d0/relaybox/rbx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    pgtype.UUID
	lockedAt    pgtype.Timestamptz
	lockedUntil pgtype.Timestamptz
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy,
		o.lockedAt.Time,
		o.lockedUntil.Time,
		o.version)
}

// scanRecord reads a row selected with outboxColumns.
func scanRecord(row pgx.Row) (*rbx.OutboxRecord, error) {
	var or rbx.OutboxRecord
	var status string
	err := row.Scan(&or.Id, &or.AggregateType, &or.AggregateId, &or.EventType, &or.Payload,
		&or.CreatedAt, &or.AttemptCount, &or.NextAttemptAt, &status, &or.LastError)
	if err != nil {
		return nil, err
	}
	or.Status = rbx.Status(status)
	return &or, nil
}
