package record

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by the typed errors below.
var (
	ErrChain     = errors.New("chain mismatch")
	ErrDuplicate = errors.New("duplicate record id with different content")
)

// ChainError reports a record whose parent is not the tail of its log.
// It is never corrected automatically.
type ChainError struct {
	Log      LogKey
	Record   RecordID
	Expected *RecordID // tail at validation time
	Got      *RecordID // candidate parent
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain mismatch in %s: record %s has parent %s, tail is %s",
		e.Log, e.Record, IDString(e.Got), IDString(e.Expected))
}

// Is makes errors.Is(err, ErrChain) hold.
func (e *ChainError) Is(target error) bool { return target == ErrChain }

// DuplicateError reports an id that is already stored with other content.
type DuplicateError struct {
	ID RecordID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("record %s: %v", e.ID, ErrDuplicate)
}

// Is makes errors.Is(err, ErrDuplicate) hold.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }
