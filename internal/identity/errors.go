package identity

import (
	"errors"
	"fmt"

	dErrors "delegation-broker/pkg/domain-errors"
)

// FailureKind classifies why a credential was refused. The string values are
// used verbatim as outcome reason codes.
type FailureKind string

const (
	KindInvalidCredential FailureKind = "InvalidCredential"
	KindExpiredCredential FailureKind = "ExpiredCredential"
	KindSignatureMismatch FailureKind = "SignatureMismatch"
)

func (k FailureKind) String() string { return string(k) }

// Credential names which of the two inputs failed.
type Credential string

const (
	CredentialUser  Credential = "user_credential"
	CredentialAgent Credential = "agent_assertion"
)

// VerificationError is the only error Verify returns.
type VerificationError struct {
	Kind       FailureKind
	Credential Credential
	Err        error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Credential, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Credential, e.Kind)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, if it is a verification failure.
func KindOf(err error) (FailureKind, bool) {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return "", false
}

// AsDomainError converts a verification failure for callers that surface it
// directly rather than as per-target outcomes.
func AsDomainError(err error) error {
	kind, ok := KindOf(err)
	if !ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeUnauthorized, string(kind))
}

func failure(kind FailureKind, cred Credential, err error) *VerificationError {
	return &VerificationError{Kind: kind, Credential: cred, Err: err}
}
