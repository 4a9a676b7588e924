package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Swap event types, in the order they normally occur.
const (
	EventInitiated      = "INITIATED"
	EventUserHTLCFunded = "USER_HTLC_FUNDED"
	EventPoolFulfilled  = "POOL_FULFILLED"
	EventUserClaimed    = "USER_CLAIMED"
	EventPoolClaimed    = "POOL_CLAIMED"
	EventCancelled      = "CANCELLED"
	EventExpired        = "EXPIRED"
	EventRefunded       = "REFUNDED"
	EventError          = "ERROR"
)

// SwapEvent is one entry in the append-only swap history. Seq is assigned by
// the database and gives a total order per swap.
type SwapEvent struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	SwapID    string    `json:"swapId"`
	Type      string    `json:"type"`
	Data      string    `json:"data,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// appendEventTx inserts an event inside an existing transaction. Events are
// only ever written together with the swap update they describe.
func appendEventTx(tx *sql.Tx, ev *SwapEvent) error {
	if ev.Data == "" {
		ev.Data = "{}"
	}
	res, err := tx.Exec(`
		INSERT INTO swap_events (id, swap_id, type, data, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SwapID, ev.Type, ev.Data, ev.TxHash, ev.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	ev.Seq, _ = res.LastInsertId()
	return nil
}

// ListEvents returns a swap's events with seq greater than afterSeq, in
// order. afterSeq of 0 returns the full history, which is how websocket
// subscribers replay before going live.
func (s *Storage) ListEvents(swapID string, afterSeq int64) ([]*SwapEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT seq, id, swap_id, type, data, tx_hash, created_at
		FROM swap_events
		WHERE swap_id = ? AND seq > ?
		ORDER BY seq ASC
	`, swapID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*SwapEvent
	for rows.Next() {
		var (
			ev        SwapEvent
			createdAt int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.SwapID, &ev.Type, &ev.Data, &ev.TxHash, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
