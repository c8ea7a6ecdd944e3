// Package errs defines the structured failures of the ledger. Every
// rejected request surfaces exactly one of these sentinels, usually wrapped
// with context; callers match them with errors.Is and classify them with
// KindOf.
package errs

import "errors"

// Kind is the coarse failure class used for transport mapping.
type Kind string

const (
	KindAuthorization       Kind = "authorization"
	KindAddressMismatch     Kind = "address_mismatch"
	KindWrongRecordOwner    Kind = "wrong_record_owner"
	KindUninitializedRecord Kind = "uninitialized_record"
	KindWrongRecordType     Kind = "wrong_record_type"
	KindInvalidArgument     Kind = "invalid_argument"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindStateConflict       Kind = "state_conflict"
	KindGameInactive        Kind = "game_inactive"
)

// Error is a ledger failure with a stable machine-readable code.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrNoAuthority = newErr(KindAuthorization, "NoAuthority", "caller has no authority over this record")

	ErrAddressMismatch     = newErr(KindAddressMismatch, "AddressMismatch", "record address does not match its derived address")
	ErrWrongRecordOwner    = newErr(KindWrongRecordOwner, "WrongRecordOwner", "record is not owned by this program")
	ErrUninitializedRecord = newErr(KindUninitializedRecord, "UninitializedRecord", "record is not initialized")
	ErrWrongRecordType     = newErr(KindWrongRecordType, "WrongRecordType", "record is of the wrong type")

	ErrInvalidArgument = newErr(KindInvalidArgument, "InvalidArgument", "invalid argument")
	ErrOverflow        = newErr(KindInvalidArgument, "ArithmeticOverflow", "amount overflows")

	ErrInsufficientFunds = newErr(KindInsufficientFunds, "InsufficientFunds", "insufficient funds")

	ErrAlreadyInitialized = newErr(KindStateConflict, "AlreadyInitialized", "record already initialized")
	ErrAccountNotSettled  = newErr(KindStateConflict, "UserAccountNotSettled", "account has outstanding balance, games or bets")
	ErrGameNotSettled     = newErr(KindStateConflict, "GameNotSettled", "game has unresolved bets")
	ErrAlreadyFulfilled   = newErr(KindStateConflict, "VrfResultAlreadyFullfilled", "bet randomness already fulfilled")
	ErrAlreadyUsed        = newErr(KindStateConflict, "VrfResultAlreadyUsed", "bet already settled")
	ErrNotFulfilled       = newErr(KindStateConflict, "VrfResultNotFullfilled", "bet randomness not fulfilled")
	ErrNotMarkedForClose  = newErr(KindStateConflict, "VrfResultNotMarkedForClose", "bet not marked for close")
	ErrNotUsed            = newErr(KindStateConflict, "VrfResultNotUsed", "bet not settled")

	ErrGameInactive = newErr(KindGameInactive, "GameNotActive", "game is not active")
)

// As returns the ledger error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the ledger error in err's chain.
func KindOf(err error) (Kind, bool) {
	e, ok := As(err)
	if !ok {
		return "", false
	}
	return e.Kind, true
}
