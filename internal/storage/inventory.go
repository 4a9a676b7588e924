package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrInsufficientLiquidity is returned by Reserve when available funds
// (total - reserved) would drop below the token's minimum threshold.
var ErrInsufficientLiquidity = errors.New("insufficient liquidity")

// Inventory is the pool's position in one token on one chain. Amounts are in
// smallest units. Available is derived: total - reserved.
type Inventory struct {
	Chain        string
	Token        string
	Total        *big.Int
	Reserved     *big.Int
	MinThreshold *big.Int
	UpdatedAt    time.Time
}

// Available returns total - reserved.
func (inv *Inventory) Available() *big.Int {
	return new(big.Int).Sub(inv.Total, inv.Reserved)
}

// Swap legs, used to key idempotent inventory releases.
const (
	LegUser = "user"
	LegPool = "pool"
)

// UpsertInventory creates or updates the inventory row for (chain, token),
// leaving any existing reservation intact.
func (s *Storage) UpsertInventory(chain, token string, total, minThreshold *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO pool_inventory (chain, token, total, reserved, min_threshold, updated_at)
		VALUES (?, ?, ?, '0', ?, ?)
		ON CONFLICT(chain, token) DO UPDATE SET
			total = excluded.total,
			min_threshold = excluded.min_threshold,
			updated_at = excluded.updated_at
	`, chain, token, total.String(), minThreshold.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert inventory: %w", err)
	}
	return nil
}

// SetTotal refreshes the on-chain total for (chain, token). Called by the
// inventory refresh loop after reading the pool's balance from chain.
func (s *Storage) SetTotal(chain, token string, total *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE pool_inventory SET total = ?, updated_at = ? WHERE chain = ? AND token = ?
	`, total.String(), time.Now().Unix(), chain, token)
	if err != nil {
		return fmt.Errorf("failed to set inventory total: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no inventory row for %s/%s", chain, token)
	}
	return nil
}

// GetInventory returns the inventory row for (chain, token).
func (s *Storage) GetInventory(chain, token string) (*Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getInventoryLocked(chain, token)
}

// ListInventory returns all inventory rows.
func (s *Storage) ListInventory() ([]*Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT chain, token, total, reserved, min_threshold, updated_at
		FROM pool_inventory ORDER BY chain, token
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
	defer rows.Close()

	var out []*Inventory
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Reserve atomically moves amount from available to reserved, failing with
// ErrInsufficientLiquidity if available minus the minimum threshold does not
// cover it. The check and update happen under the storage write lock and the
// single sqlite writer, so concurrent reservations cannot both pass on the
// same funds.
func (s *Storage) Reserve(chain, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("reserve amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inv, err := getInventoryTx(tx, chain, token)
	if err != nil {
		return err
	}

	spendable := new(big.Int).Sub(inv.Available(), inv.MinThreshold)
	if spendable.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s/%s need %s, spendable %s",
			ErrInsufficientLiquidity, chain, token, amount.String(), spendable.String())
	}

	newReserved := new(big.Int).Add(inv.Reserved, amount)
	_, err = tx.Exec(`
		UPDATE pool_inventory SET reserved = ?, updated_at = ? WHERE chain = ? AND token = ?
	`, newReserved.String(), time.Now().Unix(), chain, token)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}

	return tx.Commit()
}

// ReserveFor reserves amount for a specific swap, at most once: a repeat
// call for the same swap is a no-op, which lets engines retry the fulfill
// path after a crash without double-reserving.
func (s *Storage) ReserveFor(swapID, chain, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("reserve amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO inventory_reservations (swap_id, chain, token, amount, reserved_at)
		VALUES (?, ?, ?, ?, ?)
	`, swapID, chain, token, amount.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already reserved for this swap.
		return nil
	}

	inv, err := getInventoryTx(tx, chain, token)
	if err != nil {
		return err
	}

	spendable := new(big.Int).Sub(inv.Available(), inv.MinThreshold)
	if spendable.Cmp(amount) < 0 {
		// Rolling back also discards the reservation row.
		return fmt.Errorf("%w: %s/%s need %s, spendable %s",
			ErrInsufficientLiquidity, chain, token, amount.String(), spendable.String())
	}

	newReserved := new(big.Int).Add(inv.Reserved, amount)
	_, err = tx.Exec(`
		UPDATE pool_inventory SET reserved = ?, updated_at = ? WHERE chain = ? AND token = ?
	`, newReserved.String(), time.Now().Unix(), chain, token)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}

	return tx.Commit()
}

// Release returns a reservation to the available pool, at most once per
// (swap, leg). Re-running recovery after a crash hits the release ledger's
// primary key and becomes a no-op, so reserved never underflows.
func (s *Storage) Release(swapID, leg, chain, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("release amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO inventory_releases (swap_id, leg, amount, released_at)
		VALUES (?, ?, ?, ?)
	`, swapID, leg, amount.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already released for this (swap, leg).
		return nil
	}

	inv, err := getInventoryTx(tx, chain, token)
	if err != nil {
		return err
	}

	newReserved := new(big.Int).Sub(inv.Reserved, amount)
	if newReserved.Sign() < 0 {
		newReserved.SetInt64(0)
	}
	_, err = tx.Exec(`
		UPDATE pool_inventory SET reserved = ?, updated_at = ? WHERE chain = ? AND token = ?
	`, newReserved.String(), time.Now().Unix(), chain, token)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}

	return tx.Commit()
}

// ConsumeReservation finalizes a reservation after the reserved funds have
// actually left the pool (the user claimed the pool lock): both total and
// reserved drop by amount. Idempotent per (swap, leg) like Release.
func (s *Storage) ConsumeReservation(swapID, leg, chain, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("consume amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO inventory_releases (swap_id, leg, amount, released_at)
		VALUES (?, ?, ?, ?)
	`, swapID, leg, amount.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	inv, err := getInventoryTx(tx, chain, token)
	if err != nil {
		return err
	}

	newReserved := new(big.Int).Sub(inv.Reserved, amount)
	if newReserved.Sign() < 0 {
		newReserved.SetInt64(0)
	}
	newTotal := new(big.Int).Sub(inv.Total, amount)
	if newTotal.Sign() < 0 {
		newTotal.SetInt64(0)
	}
	_, err = tx.Exec(`
		UPDATE pool_inventory SET total = ?, reserved = ?, updated_at = ? WHERE chain = ? AND token = ?
	`, newTotal.String(), newReserved.String(), time.Now().Unix(), chain, token)
	if err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}

	return tx.Commit()
}

// ReleaseReservation returns a swap's reservation to the pool, if it has
// one that was not already settled. Safe to call on swaps that never
// reserved anything.
func (s *Storage) ReleaseReservation(swapID string) error {
	return s.settleReservation(swapID, false)
}

// ConsumeReservationBySwap finalizes a swap's reservation after the funds
// left the pool: total and reserved both drop. Idempotent like
// ReleaseReservation.
func (s *Storage) ConsumeReservationBySwap(swapID string) error {
	return s.settleReservation(swapID, true)
}

func (s *Storage) settleReservation(swapID string, consume bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var chain, token, amountStr string
	err = tx.QueryRow(`
		SELECT chain, token, amount FROM inventory_reservations WHERE swap_id = ?
	`, swapID).Scan(&chain, &token, &amountStr)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read reservation: %w", err)
	}
	amount, err := parseStoredAmount(amountStr)
	if err != nil {
		return err
	}

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO inventory_releases (swap_id, leg, amount, released_at)
		VALUES (?, ?, ?, ?)
	`, swapID, LegPool, amount.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already settled for this swap.
		return nil
	}

	inv, err := getInventoryTx(tx, chain, token)
	if err != nil {
		return err
	}

	newReserved := new(big.Int).Sub(inv.Reserved, amount)
	if newReserved.Sign() < 0 {
		newReserved.SetInt64(0)
	}
	newTotal := inv.Total
	if consume {
		newTotal = new(big.Int).Sub(inv.Total, amount)
		if newTotal.Sign() < 0 {
			newTotal.SetInt64(0)
		}
	}
	_, err = tx.Exec(`
		UPDATE pool_inventory SET total = ?, reserved = ?, updated_at = ? WHERE chain = ? AND token = ?
	`, newTotal.String(), newReserved.String(), time.Now().Unix(), chain, token)
	if err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}

	return tx.Commit()
}

// EscrowedAmount sums the expected amounts of swaps whose pool lock is
// currently open on (chain, token). Those funds have left the operator
// wallet but remain pool-owned until the user claims or the pool refunds,
// so a balance snapshot alone would drop total below reserved mid-swap.
func (s *Storage) EscrowedAmount(chain, token string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT expected_amount FROM swaps
		WHERE target_chain = ? AND target_token = ? AND status IN (?, ?)
	`, chain, token, string(StatusPoolFulfilled), string(StatusUserClaimed))
	if err != nil {
		return nil, fmt.Errorf("failed to query escrowed amounts: %w", err)
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan escrowed amount: %w", err)
		}
		amount, err := parseStoredAmount(raw)
		if err != nil {
			return nil, err
		}
		total.Add(total, amount)
	}
	return total, rows.Err()
}

func (s *Storage) getInventoryLocked(chain, token string) (*Inventory, error) {
	row := s.db.QueryRow(`
		SELECT chain, token, total, reserved, min_threshold, updated_at
		FROM pool_inventory WHERE chain = ? AND token = ?
	`, chain, token)
	return scanInventory(row)
}

func getInventoryTx(tx *sql.Tx, chain, token string) (*Inventory, error) {
	row := tx.QueryRow(`
		SELECT chain, token, total, reserved, min_threshold, updated_at
		FROM pool_inventory WHERE chain = ? AND token = ?
	`, chain, token)
	return scanInventory(row)
}

func scanInventory(row rowScanner) (*Inventory, error) {
	var (
		inv                            Inventory
		total, reserved, minThreshold  string
		updatedAt                      int64
	)
	err := row.Scan(&inv.Chain, &inv.Token, &total, &reserved, &minThreshold, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no inventory row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan inventory: %w", err)
	}

	if inv.Total, err = parseStoredAmount(total); err != nil {
		return nil, err
	}
	if inv.Reserved, err = parseStoredAmount(reserved); err != nil {
		return nil, err
	}
	if inv.MinThreshold, err = parseStoredAmount(minThreshold); err != nil {
		return nil, err
	}
	inv.UpdatedAt = time.Unix(updatedAt, 0)
	return &inv, nil
}
