package siphon

import "fmt"

// ProgramError is a custom program error with an Anchor-style code.
type ProgramError struct {
	Code uint32
	Name string
	Msg  string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("custom program error: 0x%x %s: %s", e.Code, e.Name, e.Msg)
}

// Is matches any ProgramError with the same code, so wrapped errors
// compare equal to the sentinels below.
func (e *ProgramError) Is(target error) bool {
	t, ok := target.(*ProgramError)
	return ok && t.Code == e.Code
}

// Custom error codes start at 6000.
var (
	ErrArithmetic                   = &ProgramError{Code: 6000, Name: "ArithmeticError", Msg: "arithmetic overflow or division by zero"}
	ErrInvalidAuthority             = &ProgramError{Code: 6001, Name: "InvalidAuthority", Msg: "authority does not match configuration"}
	ErrInvalidMint                  = &ProgramError{Code: 6002, Name: "InvalidMint", Msg: "mint does not match configuration"}
	ErrInvalidTokenAccount          = &ProgramError{Code: 6003, Name: "InvalidTokenAccount", Msg: "account is not a valid token account"}
	ErrInvalidOwner                 = &ProgramError{Code: 6004, Name: "InvalidOwner", Msg: "token account owner mismatch"}
	ErrInvalidAttackDestination     = &ProgramError{Code: 6005, Name: "InvalidAttackDestination", Msg: "destination does not match configuration"}
	ErrMissingRequiredAccount       = &ProgramError{Code: 6006, Name: "MissingRequiredAccount", Msg: "required account not supplied"}
	ErrAccountDeserializationFailed = &ProgramError{Code: 6007, Name: "AccountDeserializationFailed", Msg: "account data has unexpected shape"}
)

// Framework-level errors, below the custom range.
var (
	ErrInstructionFallbackNotFound  = &ProgramError{Code: 101, Name: "InstructionFallbackNotFound", Msg: "fallback functions are not supported"}
	ErrInstructionDidNotDeserialize = &ProgramError{Code: 102, Name: "InstructionDidNotDeserialize", Msg: "the program could not deserialize the given instruction"}
	ErrAccountDiscriminatorMismatch = &ProgramError{Code: 3002, Name: "AccountDiscriminatorMismatch", Msg: "account discriminator did not match"}
	ErrAccountOwnedByWrongProgram   = &ProgramError{Code: 3007, Name: "AccountOwnedByWrongProgram", Msg: "the given account is owned by a different program than expected"}
	ErrAccountNotSigner             = &ProgramError{Code: 3010, Name: "AccountNotSigner", Msg: "the given account did not sign"}
	ErrConstraintSeeds              = &ProgramError{Code: 2006, Name: "ConstraintSeeds", Msg: "a seeds constraint was violated"}
)

// errorf wraps a sentinel with context.
func errorf(sentinel *ProgramError, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
