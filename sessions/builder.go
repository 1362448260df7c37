package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/confidential-executor/interfaces"
)

// Builder produces and submits session documents against a custodian.
type Builder struct {
	custodian interfaces.Custodian
	opts      Options
	service   string
	log       *slog.Logger
}

func NewBuilder(custodian interfaces.Custodian, opts Options, service string, log *slog.Logger) *Builder {
	if service == "" {
		service = DefaultService
	}
	return &Builder{
		custodian: custodian,
		opts:      opts,
		service:   service,
		log:       log,
	}
}

// Service returns the service name execution sessions bind secrets to.
func (b *Builder) Service() string {
	return b.service
}

// AssetRegistration describes the outcome of EnsureAsset.
type AssetRegistration struct {
	SessionName string `json:"session_name"`
	Hash        string `json:"hash"`
	Created     bool   `json:"created"`
}

// EnsureAsset registers an asset key with the custodian unless the asset's
// session already exists, in which case the existing chain is reused and key
// is ignored.
func (b *Builder) EnsureAsset(ctx context.Context, locator string, key []byte, kind interfaces.AssetKind) (*AssetRegistration, error) {
	doc, err := AssetKeyDocument(locator, key, kind, b.opts)
	if err != nil {
		return nil, err
	}

	head, err := b.custodian.GetHead(ctx, doc.Name)
	switch {
	case err == nil:
		return &AssetRegistration{SessionName: doc.Name, Hash: head.Hash}, nil
	case !errors.Is(err, interfaces.ErrSessionNotFound):
		return nil, err
	}

	result, err := b.custodian.Submit(ctx, doc)
	if errors.Is(err, interfaces.ErrVersionConflict) {
		// Registered concurrently.
		head, err := b.custodian.GetHead(ctx, doc.Name)
		if err != nil {
			return nil, err
		}
		return &AssetRegistration{SessionName: doc.Name, Hash: head.Hash}, nil
	}
	if err != nil {
		return nil, err
	}

	b.log.Info("Registered asset session",
		slog.String("session", doc.Name),
		slog.String("kind", kind.String()),
		slog.String("hash", result.Hash))

	return &AssetRegistration{SessionName: doc.Name, Hash: result.Hash, Created: true}, nil
}

// AssetSession returns the session name of an already registered asset.
// A missing session is reported as interfaces.ErrPolicyRejected: an execution
// cannot import from it.
func (b *Builder) AssetSession(ctx context.Context, locator string) (string, error) {
	name := SessionNameForLocator(locator)
	_, err := b.custodian.GetHead(ctx, name)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		return "", fmt.Errorf("%w: asset %s has no custody session %s", interfaces.ErrPolicyRejected, locator, name)
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// BuildExecution reads the current head of the execution session and builds
// its next version. Call it immediately before Submit.
func (b *Builder) BuildExecution(ctx context.Context, datasetLocator, appLocator string, requester common.Address) (*interfaces.SessionDocument, error) {
	name := ExecutionSessionName(datasetLocator, appLocator, requester)

	head, err := b.custodian.GetHead(ctx, name)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		head = nil
	} else if err != nil {
		return nil, err
	}

	return ExecutionDocument(head, name,
		SessionNameForLocator(datasetLocator),
		SessionNameForLocator(appLocator),
		b.opts.Policy, b.service), nil
}

// SubmitExecution builds and submits the execution session, rebuilding once
// from a fresh head if another writer advanced the chain in between.
func (b *Builder) SubmitExecution(ctx context.Context, datasetLocator, appLocator string, requester common.Address) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := b.BuildExecution(ctx, datasetLocator, appLocator, requester)
		if err != nil {
			return "", err
		}

		_, err = b.custodian.Submit(ctx, doc)
		if err == nil {
			return doc.Name, nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return "", err
		}

		b.log.Debug("Execution session conflict, retrying", slog.String("session", doc.Name), slog.Int("attempt", attempt))
		lastErr = err
	}
	return "", lastErr
}
