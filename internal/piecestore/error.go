package piecestore

import "fmt"

// IntegrityError is returned when a piece failed hash verification too many times in a row.
// The condition is not retried.
type IntegrityError struct {
	Piece    uint32
	Attempts int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("piece #%d failed hash check %d times", e.Piece, e.Attempts)
}

// StorageError wraps a disk failure while writing, reading or syncing a piece.
// Path is set instead of Piece when the failure is not about a single piece.
type StorageError struct {
	Op    string
	Piece uint32
	Path  string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage %s error on %s: %s", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("storage %s error on piece #%d: %s", e.Op, e.Piece, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
