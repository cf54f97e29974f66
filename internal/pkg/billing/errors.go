package billing

import "fmt"

// BillingQueryError wraps a failed provider query. In-memory state stays
// untouched; the next webhook or manual refresh is the retry.
type BillingQueryError struct {
	AppUserID string
	Err       error
}

func (e *BillingQueryError) Error() string {
	return fmt.Sprintf("billing query for %s failed: %v", e.AppUserID, e.Err)
}

func (e *BillingQueryError) Unwrap() error { return e.Err }

// PersistenceWriteError reports a failed durable write after the in-memory
// transition already happened. The store is an eventually-consistent mirror,
// so the transition is not rolled back.
type PersistenceWriteError struct {
	UserID uint
	Err    error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("persisting subscription for user %d failed: %v", e.UserID, e.Err)
}

func (e *PersistenceWriteError) Unwrap() error { return e.Err }

// DowngradeLimitError rejects a purchase that would leave the user owning
// more rooms than the target plan allows. Nothing is mutated; the message
// names exactly how many rooms must go first.
type DowngradeLimitError struct {
	OwnedRooms int
	NewLimit   int
}

func (e *DowngradeLimitError) Error() string {
	excess := e.OwnedRooms - e.NewLimit
	noun := "rooms"
	if excess == 1 {
		noun = "room"
	}
	return fmt.Sprintf("plan allows %d rooms but you own %d: delete %d %s first", e.NewLimit, e.OwnedRooms, excess, noun)
}

// Excess returns how many rooms are over the target limit.
func (e *DowngradeLimitError) Excess() int { return e.OwnedRooms - e.NewLimit }

// RoomDeletionError records a single failed room deletion on the grace-expiry
// path. Non-fatal: cleanup continues and the final reset happens regardless.
type RoomDeletionError struct {
	RoomID string
	Err    error
}

func (e *RoomDeletionError) Error() string {
	return fmt.Sprintf("deleting room %s failed: %v", e.RoomID, e.Err)
}

func (e *RoomDeletionError) Unwrap() error { return e.Err }
