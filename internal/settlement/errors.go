package settlement

import "fmt"

// Kind classifies a settlement failure so callers can pick the right
// remediation: fix the request, fix the session, fund the wallet, or
// page someone.
type Kind string

const (
	// KindValidation means the request itself was malformed.
	KindValidation Kind = "validation"
	// KindState means the session cannot settle in its current state
	// (not active, ceiling too low, wallet underfunded).
	KindState Kind = "state"
	// KindCustody means the delegate key could not be unsealed.
	KindCustody Kind = "custody"
	// KindNetwork means the settlement network failed or timed out.
	KindNetwork Kind = "network"
	// KindIntegrity means sealed key material failed its integrity
	// check. The session is force-revoked before this is returned.
	KindIntegrity Kind = "integrity"
)

// Error is a classified settlement failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settlement: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("settlement: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationErr(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func stateErr(code, message string) *Error {
	return &Error{Kind: KindState, Code: code, Message: message}
}

func networkErr(code string, err error) *Error {
	return &Error{Kind: KindNetwork, Code: code, Message: "settlement network error", Err: err}
}
