package custodian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
)

// MaxImportDepth bounds how many sessions a release may traverse while
// resolving imported secrets.
const MaxImportDepth = 4

// Service is the key custodian. It owns session chains and releases secrets
// only to instances whose attestation satisfies the session policy.
type Service struct {
	store    Store
	verifier *Verifier
	log      *slog.Logger
}

func NewService(store Store, verifier *Verifier, log *slog.Logger) *Service {
	if verifier == nil {
		verifier = NewVerifier()
	}
	return &Service{
		store:    store,
		verifier: verifier,
		log:      log,
	}
}

// GetHead returns the current head with literal values redacted.
func (s *Service) GetHead(ctx context.Context, name string) (*interfaces.SessionHead, error) {
	head, err := s.store.Head(ctx, name)
	if err != nil {
		return nil, err
	}
	return &interfaces.SessionHead{Hash: head.Hash, Document: head.Document.Redacted()}, nil
}

// Submit validates doc and appends it to its chain.
func (s *Service) Submit(ctx context.Context, doc *interfaces.SessionDocument) (*interfaces.SubmitResult, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", interfaces.ErrPolicyRejected)
	}

	head, err := s.store.Head(ctx, doc.Name)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		head = nil
	} else if err != nil {
		return nil, err
	}

	if err := validateDocument(ctx, doc, s.store.Head); err != nil {
		s.log.Info("session rejected", slog.String("session", doc.Name), "err", err)
		return nil, err
	}
	if err := checkChain(doc, head); err != nil {
		s.log.Info("session rejected", slog.String("session", doc.Name), "err", err)
		return nil, err
	}

	stored := doc.Clone()
	hash, err := stored.Hash()
	if err != nil {
		return nil, err
	}

	if err := s.store.CompareAndSwap(ctx, doc.Predecessor, &interfaces.SessionHead{Hash: hash, Document: stored}); err != nil {
		s.log.Info("session submit lost race", slog.String("session", doc.Name), "err", err)
		return nil, err
	}

	s.log.Info("session accepted",
		slog.String("session", doc.Name),
		slog.Uint64("version", doc.Version),
		slog.String("hash", hash))

	return &interfaces.SubmitResult{Accepted: true, Hash: hash}, nil
}

// Release verifies the instance's evidence and returns the service's injected
// secrets encrypted to the instance key. Imports are resolved against the
// current heads of their source sessions.
func (s *Service) Release(ctx context.Context, session, service string, req *interfaces.ReleaseRequest) (*interfaces.ReleaseResponse, error) {
	log := s.log.With(slog.String("session", session), slog.String("service", service))

	refuse := func(err error) (*interfaces.ReleaseResponse, error) {
		log.Warn("release refused", "err", err)
		if errors.Is(err, interfaces.ErrTransport) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyNotReleased, err)
	}

	if req == nil {
		return refuse(errors.New("missing evidence"))
	}

	head, err := s.store.Head(ctx, session)
	if err != nil {
		return refuse(err)
	}
	doc := &head.Document

	binding, ok := doc.Service(service)
	if !ok {
		return refuse(fmt.Errorf("session has no service %q", service))
	}

	if _, err := cryptoutils.NewInstancePubkey(req.PublicKey); err != nil {
		return refuse(err)
	}

	report, err := s.verifier.Verify(doc.Policy, req)
	if err != nil {
		return refuse(err)
	}

	if !report.ReportDataMatches(cryptoutils.ReleaseReportData(req.PublicKey, session, service)) {
		return refuse(errors.New("report data does not bind the instance key to this release"))
	}

	env := make(map[string]string, len(binding.Inject))
	for _, inj := range binding.Inject {
		value, err := s.resolveSecret(ctx, doc, inj.Secret, 0)
		if err != nil {
			return refuse(fmt.Errorf("secret %q: %w", inj.Secret, err))
		}
		env[inj.EnvVar] = value
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return refuse(err)
	}

	encrypted, err := cryptoutils.EncryptWithPublicKey(req.PublicKey, payload)
	cryptoutils.Zero(payload)
	if err != nil {
		return refuse(err)
	}

	log.Info("secrets released",
		slog.String("measurement", report.MeasuredIdentity()),
		slog.Int("secrets", len(env)))

	return &interfaces.ReleaseResponse{EncryptedSecrets: encrypted}, nil
}

func (s *Service) resolveSecret(ctx context.Context, doc *interfaces.SessionDocument, name string, depth int) (string, error) {
	if depth > MaxImportDepth {
		return "", fmt.Errorf("import chain deeper than %d", MaxImportDepth)
	}

	secret, ok := doc.Secret(name)
	if !ok {
		return "", fmt.Errorf("session %s has no secret %q", doc.Name, name)
	}

	if secret.Kind == interfaces.LiteralSecret {
		return secret.Value, nil
	}
	if secret.Import == nil {
		return "", fmt.Errorf("secret %q has no source", name)
	}

	source, err := s.store.Head(ctx, secret.Import.Session)
	if err != nil {
		return "", err
	}

	sourceSecret, ok := source.Document.Secret(secret.Import.Secret)
	if !ok {
		return "", fmt.Errorf("session %s no longer has secret %q", source.Document.Name, secret.Import.Secret)
	}
	if !sourceSecret.ExportedTo(doc.Name, doc.Policy) {
		return "", fmt.Errorf("secret %q of session %s is no longer exported to %s", secret.Import.Secret, source.Document.Name, doc.Name)
	}

	return s.resolveSecret(ctx, &source.Document, secret.Import.Secret, depth+1)
}
