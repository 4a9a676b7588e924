package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Resolver operation types.
const (
	OpLiquidityCheck = "LIQUIDITY_CHECK"
	OpPoolLock       = "POOL_LOCK"
	OpPoolClaim      = "POOL_CLAIM"
	OpPoolRefund     = "POOL_REFUND"
	OpValidateFund   = "VALIDATE_FUND"
)

// Resolver operation outcomes.
const (
	OpInProgress = "IN_PROGRESS"
	OpCompleted  = "COMPLETED"
	OpFailed     = "FAILED"
)

// Operation records one resolver attempt against a swap, for diagnostics and
// retry accounting. Attempts are never deleted.
type Operation struct {
	ID           string
	SwapID       string
	Type         string
	Status       string
	ErrorMessage string
	TxHash       string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// BeginOperation records the start of a resolver attempt and returns its ID.
func (s *Storage) BeginOperation(swapID, opType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO resolver_operations (id, swap_id, type, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, swapID, opType, OpInProgress, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to begin operation: %w", err)
	}
	return id, nil
}

// FinishOperation records the outcome of an attempt.
func (s *Storage) FinishOperation(id, status, errMsg, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE resolver_operations
		SET status = ?, error_message = ?, tx_hash = ?, completed_at = ?
		WHERE id = ?
	`, status, errMsg, txHash, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to finish operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s not found", id)
	}
	return nil
}

// RecordOperation writes a completed attempt in one call, for steps that
// fail before any transaction is sent.
func (s *Storage) RecordOperation(swapID, opType, status, errMsg, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO resolver_operations (id, swap_id, type, status, error_message, tx_hash, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), swapID, opType, status, errMsg, txHash, now, now)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// CountFailedOperations returns how many attempts of the given type have
// failed for a swap. Engines compare this against the retry budget.
func (s *Storage) CountFailedOperations(swapID, opType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM resolver_operations
		WHERE swap_id = ? AND type = ? AND status = ?
	`, swapID, opType, OpFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count operations: %w", err)
	}
	return n, nil
}

// ListOperations returns a swap's attempts, oldest first.
func (s *Storage) ListOperations(swapID string) ([]*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, swap_id, type, status, error_message, tx_hash, started_at, completed_at
		FROM resolver_operations
		WHERE swap_id = ?
		ORDER BY started_at ASC, id ASC
	`, swapID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var out []*Operation
	for rows.Next() {
		var (
			op                     Operation
			startedAt, completedAt int64
		)
		if err := rows.Scan(&op.ID, &op.SwapID, &op.Type, &op.Status, &op.ErrorMessage, &op.TxHash, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.StartedAt = time.Unix(startedAt, 0)
		if completedAt > 0 {
			op.CompletedAt = time.Unix(completedAt, 0)
		}
		out = append(out, &op)
	}
	return out, rows.Err()
}
