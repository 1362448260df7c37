package interfaces

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// AssetRegistry is the read-only view of the on-chain asset registry.
type AssetRegistry interface {
	// GetAsset returns the registry record for an asset id.
	GetAsset(ctx context.Context, id AssetID) (*Asset, error)

	// HasAccess reports whether requester may run the application over the dataset.
	HasAccess(ctx context.Context, requester common.Address, datasetLocator, appLocator string) (bool, error)
}

// Custodian holds session chains. It is the only component that ever stores
// asset keys.
type Custodian interface {
	// GetHead returns the current head with literal secret values redacted,
	// or ErrSessionNotFound.
	GetHead(ctx context.Context, name string) (*SessionHead, error)

	// Submit appends a document to its chain. It either advances the head or
	// fails with ErrVersionConflict, ErrPolicyRejected or ErrTransport and no
	// side effect.
	Submit(ctx context.Context, doc *SessionDocument) (*SubmitResult, error)
}

// KeyReleaser releases a service's secrets to an attested instance.
type KeyReleaser interface {
	// Release verifies the evidence against the session policy and returns the
	// service's injected secrets encrypted to the instance key, or ErrKeyNotReleased.
	Release(ctx context.Context, session, service string, req *ReleaseRequest) (*ReleaseResponse, error)
}

// CustodianClient is the full custodian protocol as seen by its callers.
type CustodianClient interface {
	Custodian
	KeyReleaser
}

// Launcher starts an isolated instance for one execution. Implementations
// never see key material, only the session identity and envelope paths.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*ExecutionResult, error)
}
