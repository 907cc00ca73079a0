package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so received_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Exchange is one answered inbound message.
type Exchange struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	FromUser   string    `json:"from_user"`
	ToUser     string    `json:"to_user"`
	MsgType    string    `json:"msg_type"`
	MsgID      string    `json:"msg_id,omitempty"`
	Content    string    `json:"content"`
	Reply      string    `json:"reply"`
	Strategy   string    `json:"strategy"`
	Outcome    string    `json:"outcome"`
}

// Journal is an append-only audit log of exchanges. It never feeds back into
// reply decisions.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record inserts ex, assigning an ID and timestamp when missing.
func (j *Journal) Record(ctx context.Context, ex Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.ReceivedAt.IsZero() {
		ex.ReceivedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO exchange_log(id, received_at, from_user, to_user, msg_type, msg_id, content, reply, strategy, outcome)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		ex.ID,
		ex.ReceivedAt.UTC().Format(timeLayout),
		ex.FromUser,
		ex.ToUser,
		ex.MsgType,
		ex.MsgID,
		ex.Content,
		ex.Reply,
		ex.Strategy,
		ex.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert exchange %s: %w", ex.ID, err)
	}
	return nil
}

// Recent returns up to limit exchanges, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, received_at, from_user, to_user, msg_type, COALESCE(msg_id, ''), COALESCE(content, ''), reply, strategy, outcome
FROM exchange_log
ORDER BY received_at DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var (
			ex         Exchange
			receivedAt string
		)
		if err := rows.Scan(&ex.ID, &receivedAt, &ex.FromUser, &ex.ToUser, &ex.MsgType, &ex.MsgID, &ex.Content, &ex.Reply, &ex.Strategy, &ex.Outcome); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.ReceivedAt, err = time.Parse(timeLayout, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse received_at for %s: %w", ex.ID, err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}

// PruneBefore deletes exchanges received before cutoff and reports how many
// rows were removed.
func (j *Journal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM exchange_log WHERE received_at < ?;`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune exchanges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune exchanges: %w", err)
	}
	return n, nil
}

// RunRetention prunes exchanges older than retention now and then every
// interval until ctx is done. A non-positive retention disables pruning.
func (j *Journal) RunRetention(ctx context.Context, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	prune := func() {
		n, err := j.PruneBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("journal prune failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("journal pruned", "deleted", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
