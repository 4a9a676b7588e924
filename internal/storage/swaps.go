package storage

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PrabalParihar/omnimonster-sub000/pkg/helpers"
)

// SwapStatus is the lifecycle state of a swap.
type SwapStatus string

// Swap lifecycle states.
const (
	StatusPending        SwapStatus = "PENDING"
	StatusUserHTLCFunded SwapStatus = "USER_HTLC_FUNDED"
	StatusPoolFulfilled  SwapStatus = "POOL_FULFILLED"
	StatusUserClaimed    SwapStatus = "USER_CLAIMED"
	StatusPoolClaimed    SwapStatus = "POOL_CLAIMED"
	StatusCancelled      SwapStatus = "CANCELLED"
	StatusExpired        SwapStatus = "EXPIRED"
	StatusRefunded       SwapStatus = "REFUNDED"
	StatusError          SwapStatus = "ERROR"
)

// allowedTransitions is the closed set of legal status moves. Anything not
// listed is rejected with ErrInvalidTransition, which is how concurrent
// engines stay consistent: the first writer wins, the second sees the new
// status and backs off.
var allowedTransitions = map[SwapStatus][]SwapStatus{
	StatusPending:        {StatusUserHTLCFunded, StatusCancelled, StatusExpired, StatusError},
	StatusUserHTLCFunded: {StatusPoolFulfilled, StatusExpired, StatusError},
	StatusPoolFulfilled:  {StatusUserClaimed, StatusExpired, StatusError},
	StatusUserClaimed:    {StatusPoolClaimed, StatusRefunded, StatusExpired, StatusError},
	StatusExpired:        {StatusRefunded, StatusError},
	StatusError:          {StatusRefunded}, // operator recovery path
	StatusPoolClaimed:    {},
	StatusCancelled:      {},
	StatusRefunded:       {},
}

// IsTerminal reports whether no further transitions are possible.
func (s SwapStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// CanTransition reports whether a move from s to next is legal.
func (s SwapStatus) CanTransition(next SwapStatus) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Storage errors.
var (
	ErrSwapNotFound      = errors.New("swap not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Swap is the authoritative record of one cross-chain swap.
type Swap struct {
	ID string

	// UserAddress is the user's address on the source chain; Beneficiary is
	// where the pool's funds go on the target chain.
	UserAddress string
	Beneficiary string

	SourceChain    string
	SourceToken    string
	SourceAmount   *big.Int
	TargetChain    string
	TargetToken    string
	ExpectedAmount *big.Int

	// SlippageTolerance is a fraction (0.01 = 1%) bounding how far the
	// effective price may deviate from the reference rate.
	SlippageTolerance float64

	// Preimage is generated server-side and revealed only by claiming
	// on-chain. HashLock is its SHA-256.
	Preimage [32]byte
	HashLock [32]byte

	// ExpirationTime is the unix-seconds deadline after which the swap is
	// abandoned and refund paths open.
	ExpirationTime int64

	// UserLockID and PoolLockID are the on-chain HTLC handles; zero until
	// the respective lock is observed or created.
	UserLockID [32]byte
	PoolLockID [32]byte

	Status       SwapStatus
	ErrorMessage string

	CreatedAt    time.Time
	UpdatedAt    time.Time
	MatchedAt    time.Time // set at POOL_FULFILLED
	PoolClaimedAt time.Time // set when the user claims, revealing the preimage
}

// SwapPatch is a partial update applied by UpdateSwap. Nil fields are left
// untouched.
type SwapPatch struct {
	Status        *SwapStatus
	UserLockID    *[32]byte
	PoolLockID    *[32]byte
	ErrorMessage  *string
	MatchedAt     *time.Time
	PoolClaimedAt *time.Time
}

// ListFilter narrows ListSwaps results.
type ListFilter struct {
	UserAddress string
	Status      SwapStatus
	Limit       int
	Offset      int
}

// Role selects which side of a swap an engine is working.
type Role int

// Engine roles.
const (
	RoleSource Role = iota // chain holds the user's lock
	RoleTarget             // chain receives the pool's lock
)

// CreateSwap validates and persists a new swap in PENDING status, appending
// the INITIATED event in the same transaction. The caller provides parties,
// economics, preimage/hash and expiration; ID and timestamps are assigned
// here if unset.
func (s *Storage) CreateSwap(swap *Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if swap.SourceChain == swap.TargetChain {
		return fmt.Errorf("source and target chain must differ")
	}
	if swap.SourceAmount == nil || swap.SourceAmount.Sign() <= 0 {
		return fmt.Errorf("source amount must be positive")
	}
	if swap.ExpectedAmount == nil || swap.ExpectedAmount.Sign() <= 0 {
		return fmt.Errorf("expected amount must be positive")
	}
	if sha256.Sum256(swap.Preimage[:]) != swap.HashLock {
		return fmt.Errorf("hash lock does not match preimage")
	}

	now := time.Now()
	if swap.ID == "" {
		swap.ID = uuid.New().String()
	}
	swap.Status = StatusPending
	swap.CreatedAt = now
	swap.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO swaps (
			id, user_address, beneficiary,
			source_chain, source_token, source_amount,
			target_chain, target_token, expected_amount, slippage_tolerance,
			preimage, hash_lock, expiration_time,
			user_lock_id, pool_lock_id,
			status, error_message,
			created_at, updated_at, matched_at, pool_claimed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, '', ?, ?, 0, 0)
	`,
		swap.ID, strings.ToLower(swap.UserAddress), strings.ToLower(swap.Beneficiary),
		swap.SourceChain, strings.ToUpper(swap.SourceToken), swap.SourceAmount.String(),
		swap.TargetChain, strings.ToUpper(swap.TargetToken), swap.ExpectedAmount.String(),
		swap.SlippageTolerance,
		helpers.EncodeHash(swap.Preimage), helpers.EncodeHash(swap.HashLock),
		swap.ExpirationTime,
		string(StatusPending),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert swap: %w", err)
	}

	ev := &SwapEvent{
		ID:        uuid.New().String(),
		SwapID:    swap.ID,
		Type:      EventInitiated,
		Data:      fmt.Sprintf(`{"sourceChain":%q,"targetChain":%q}`, swap.SourceChain, swap.TargetChain),
		CreatedAt: now,
	}
	if err := appendEventTx(tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit swap: %w", err)
	}

	s.notify(ev)
	return nil
}

// GetSwap returns a swap by ID.
func (s *Storage) GetSwap(id string) (*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectSwapSQL+" WHERE id = ?", id)
	return scanSwap(row)
}

// ListSwaps returns swaps matching the filter, newest first.
func (s *Storage) ListSwaps(filter ListFilter) ([]*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectSwapSQL + " WHERE 1=1"
	var args []interface{}

	if filter.UserAddress != "" {
		query += " AND user_address = ?"
		args = append(args, strings.ToLower(filter.UserAddress))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// GetPendingSwapsForRole returns swaps an engine on the given chain should
// look at, oldest first. A source engine watches swaps whose user leg lives
// on its chain; a target engine watches swaps whose pool leg does.
func (s *Storage) GetPendingSwapsForRole(chain string, role Role, limit int) ([]*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	switch role {
	case RoleSource:
		query = selectSwapSQL + ` WHERE source_chain = ? AND status IN ('PENDING', 'POOL_FULFILLED')`
	case RoleTarget:
		query = selectSwapSQL + ` WHERE target_chain = ? AND status IN ('PENDING', 'USER_HTLC_FUNDED', 'USER_CLAIMED', 'EXPIRED')`
	default:
		return nil, fmt.Errorf("unknown role %d", role)
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"

	rows, err := s.db.Query(query, chain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// UpdateSwap applies a patch to a swap. Status changes are checked against
// the transition table inside the same transaction that reads the current
// status, so a stale writer gets ErrInvalidTransition instead of clobbering
// a newer state.
func (s *Storage) UpdateSwap(id string, patch *SwapPatch) error {
	return s.UpdateSwapAndAppendEvent(id, patch, nil)
}

// UpdateSwapAndAppendEvent applies a patch and, if ev is non-nil, appends the
// event in the same transaction. The event's swap ID and timestamp are filled
// in here.
func (s *Storage) UpdateSwapAndAppendEvent(id string, patch *SwapPatch, ev *SwapEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow("SELECT status FROM swaps WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrSwapNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read swap status: %w", err)
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().Unix()}

	if patch.Status != nil && *patch.Status != SwapStatus(current) {
		if !SwapStatus(current).CanTransition(*patch.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *patch.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.UserLockID != nil {
		sets = append(sets, "user_lock_id = ?")
		args = append(args, helpers.EncodeHash(*patch.UserLockID))
	}
	if patch.PoolLockID != nil {
		sets = append(sets, "pool_lock_id = ?")
		args = append(args, helpers.EncodeHash(*patch.PoolLockID))
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.MatchedAt != nil {
		sets = append(sets, "matched_at = ?")
		args = append(args, patch.MatchedAt.Unix())
	}
	if patch.PoolClaimedAt != nil {
		sets = append(sets, "pool_claimed_at = ?")
		args = append(args, patch.PoolClaimedAt.Unix())
	}

	args = append(args, id)
	_, err = tx.Exec("UPDATE swaps SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update swap: %w", err)
	}

	if ev != nil {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		ev.SwapID = id
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now()
		}
		if err := appendEventTx(tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit swap update: %w", err)
	}

	if ev != nil {
		s.notify(ev)
	}
	return nil
}

const selectSwapSQL = `
	SELECT id, user_address, beneficiary,
	       source_chain, source_token, source_amount,
	       target_chain, target_token, expected_amount, slippage_tolerance,
	       preimage, hash_lock, expiration_time,
	       user_lock_id, pool_lock_id,
	       status, error_message,
	       created_at, updated_at, matched_at, pool_claimed_at
	FROM swaps`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row rowScanner) (*Swap, error) {
	var (
		swap                                    Swap
		sourceAmount, expectedAmount            string
		preimage, hashLock, userLock, poolLock  string
		status                                  string
		createdAt, updatedAt, matched, poolClm  int64
	)

	err := row.Scan(
		&swap.ID, &swap.UserAddress, &swap.Beneficiary,
		&swap.SourceChain, &swap.SourceToken, &sourceAmount,
		&swap.TargetChain, &swap.TargetToken, &expectedAmount, &swap.SlippageTolerance,
		&preimage, &hashLock, &swap.ExpirationTime,
		&userLock, &poolLock,
		&status, &swap.ErrorMessage,
		&createdAt, &updatedAt, &matched, &poolClm,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSwapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan swap: %w", err)
	}

	swap.SourceAmount, err = parseStoredAmount(sourceAmount)
	if err != nil {
		return nil, err
	}
	swap.ExpectedAmount, err = parseStoredAmount(expectedAmount)
	if err != nil {
		return nil, err
	}

	if swap.Preimage, err = helpers.DecodeHash(preimage); err != nil {
		return nil, fmt.Errorf("failed to decode preimage: %w", err)
	}
	if swap.HashLock, err = helpers.DecodeHash(hashLock); err != nil {
		return nil, fmt.Errorf("failed to decode hash lock: %w", err)
	}
	if userLock != "" {
		if swap.UserLockID, err = helpers.DecodeHash(userLock); err != nil {
			return nil, fmt.Errorf("failed to decode user lock id: %w", err)
		}
	}
	if poolLock != "" {
		if swap.PoolLockID, err = helpers.DecodeHash(poolLock); err != nil {
			return nil, fmt.Errorf("failed to decode pool lock id: %w", err)
		}
	}

	swap.Status = SwapStatus(status)
	swap.CreatedAt = time.Unix(createdAt, 0)
	swap.UpdatedAt = time.Unix(updatedAt, 0)
	if matched > 0 {
		swap.MatchedAt = time.Unix(matched, 0)
	}
	if poolClm > 0 {
		swap.PoolClaimedAt = time.Unix(poolClm, 0)
	}

	return &swap, nil
}

func scanSwaps(rows *sql.Rows) ([]*Swap, error) {
	var swaps []*Swap
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

func parseStoredAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q in database", s)
	}
	return v, nil
}
