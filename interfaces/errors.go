package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies pipeline failures. It is returned to callers verbatim
// in ExecutionResult.ErrorKind.
type ErrorKind string

const (
	KindAccessDenied         ErrorKind = "AccessDenied"
	KindAssetInactive        ErrorKind = "AssetInactive"
	KindFetchError           ErrorKind = "FetchError"
	KindAuthenticationFailed ErrorKind = "AuthenticationFailed"
	KindVersionConflict      ErrorKind = "VersionConflict"
	KindPolicyRejected       ErrorKind = "PolicyRejected"
	KindKeyNotReleased       ErrorKind = "KeyNotReleased"
	KindTimeout              ErrorKind = "Timeout"
	KindRuntimeFault         ErrorKind = "RuntimeFault"
	KindTransportError       ErrorKind = "TransportError"
	KindInvalidRequest       ErrorKind = "InvalidRequest"
	KindInternal             ErrorKind = "Internal"
)

var (
	// ErrAccessDenied is returned when the requester is not entitled to run the
	// application over the dataset.
	ErrAccessDenied = errors.New("access denied")

	// ErrAssetInactive is returned when either asset has been deactivated in the registry.
	ErrAssetInactive = errors.New("asset is not active")

	// ErrFetch is returned when an encrypted envelope cannot be retrieved from the blob network.
	ErrFetch = errors.New("fetch failed")

	// ErrAuthenticationFailed is returned when an envelope does not authenticate
	// under the given key. No plaintext is ever returned alongside it.
	ErrAuthenticationFailed = errors.New("envelope authentication failed")

	// ErrVersionConflict is returned when a submitted session document does not
	// reference the current chain head.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrPolicyRejected is returned for malformed session documents, including
	// imports from sessions that do not exist.
	ErrPolicyRejected = errors.New("session policy rejected")

	// ErrKeyNotReleased is returned when the custodian refuses to release secrets
	// to an instance, typically because attestation did not satisfy the policy.
	ErrKeyNotReleased = errors.New("key not released")

	// ErrTimeout is returned when an execution exceeds its wall-clock budget.
	ErrTimeout = errors.New("execution timed out")

	// ErrRuntimeFault is returned when executed code terminates abnormally.
	ErrRuntimeFault = errors.New("runtime fault")

	// ErrTransport is returned when the custodian or another service cannot be reached.
	ErrTransport = errors.New("transport error")

	// ErrInvalidRequest is returned for malformed requests at the front door.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSessionNotFound is returned by Custodian.GetHead for unknown session names.
	ErrSessionNotFound = errors.New("session not found")
)

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{KindAccessDenied, ErrAccessDenied},
	{KindAssetInactive, ErrAssetInactive},
	{KindFetchError, ErrFetch},
	{KindAuthenticationFailed, ErrAuthenticationFailed},
	{KindVersionConflict, ErrVersionConflict},
	{KindPolicyRejected, ErrPolicyRejected},
	{KindKeyNotReleased, ErrKeyNotReleased},
	{KindTimeout, ErrTimeout},
	{KindRuntimeFault, ErrRuntimeFault},
	{KindTransportError, ErrTransport},
	{KindInvalidRequest, ErrInvalidRequest},
}

// KindOf classifies an error. Unclassified errors map to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}

// SentinelFor returns the sentinel error for a kind, or nil for unknown kinds.
func SentinelFor(kind ErrorKind) error {
	for _, s := range kindSentinels {
		if s.kind == kind {
			return s.err
		}
	}
	return nil
}

// ErrorFromKind rebuilds a classified error from its wire form.
func ErrorFromKind(kind ErrorKind, message string) error {
	sentinel := SentinelFor(kind)
	if sentinel == nil {
		return errors.New(message)
	}
	message = strings.TrimPrefix(message, sentinel.Error()+": ")
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
