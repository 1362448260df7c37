// Package executor orchestrates confidential executions: it authorizes the
// request against the asset registry, fetches both envelopes, prepares the
// custody session that will release the keys, and hands the envelopes to an
// isolated instance.
package executor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/ruteri/confidential-executor/sessions"
)

const (
	datasetEnvelopeFile     = "dataset.enc"
	applicationEnvelopeFile = "application.enc"
)

// Pipeline runs execution requests. It never holds asset keys: they move from
// the custodian to the instance only.
type Pipeline struct {
	cfg      Config
	registry interfaces.AssetRegistry
	fetcher  interfaces.BlobFetcher
	sessions *sessions.Builder
	launcher interfaces.Launcher
	log      *slog.Logger
}

func NewPipeline(cfg Config, registry interfaces.AssetRegistry, fetcher interfaces.BlobFetcher, builder *sessions.Builder, launcher interfaces.Launcher, log *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:      cfg,
		registry: registry,
		fetcher:  fetcher,
		sessions: builder,
		launcher: launcher,
		log:      log,
	}, nil
}

// Execute runs one request to completion. Every failure is reported in the
// returned result; Execute never panics on untrusted input.
func (p *Pipeline) Execute(ctx context.Context, req *interfaces.ExecutionRequest) *interfaces.ExecutionResult {
	start := time.Now()
	log := p.log.With(
		slog.String("request_id", uuid.NewString()),
		slog.Uint64("dataset_id", uint64(req.DatasetAssetID)),
		slog.Uint64("application_id", uint64(req.ApplicationAssetID)),
		slog.String("requester", req.Requester.Hex()))

	result, err := p.execute(ctx, log, req)
	if err != nil {
		log.Warn("Execution failed",
			slog.String("error_kind", string(interfaces.KindOf(err))),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return interfaces.NewFailureResult(err).WithDuration(time.Since(start))
	}

	log.Info("Execution finished",
		slog.Bool("success", result.Success),
		slog.String("error_kind", string(result.ErrorKind)),
		slog.Duration("duration", time.Since(start)))
	return result
}

func (p *Pipeline) execute(ctx context.Context, log *slog.Logger, req *interfaces.ExecutionRequest) (*interfaces.ExecutionResult, error) {
	dataset, app, err := p.authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Debug("Request authorized",
		slog.String("dataset_locator", dataset.EncryptedLocator),
		slog.String("application_locator", app.EncryptedLocator))

	datasetEnvelope, err := p.fetch(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	appEnvelope, err := p.fetch(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("application: %w", err)
	}

	sessionName, err := p.prepareSession(ctx, req, dataset, app)
	if err != nil {
		return nil, err
	}
	log.Info("Execution session ready", slog.String("session", sessionName))

	workdir, err := os.MkdirTemp(p.cfg.WorkRoot, "exec-")
	if err != nil {
		return nil, fmt.Errorf("could not create working directory: %w", err)
	}
	defer os.RemoveAll(workdir)

	spec := interfaces.LaunchSpec{
		SessionName:             sessionName,
		ServiceName:             p.sessions.Service(),
		DatasetEnvelopePath:     filepath.Join(workdir, datasetEnvelopeFile),
		ApplicationEnvelopePath: filepath.Join(workdir, applicationEnvelopeFile),
		Params:                  req.Params,
		WorkDir:                 workdir,
	}
	if err := os.WriteFile(spec.DatasetEnvelopePath, datasetEnvelope, 0o600); err != nil {
		return nil, fmt.Errorf("could not write dataset envelope: %w", err)
	}
	if err := os.WriteFile(spec.ApplicationEnvelopePath, appEnvelope, 0o600); err != nil {
		return nil, fmt.Errorf("could not write application envelope: %w", err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()

	result, err := p.launcher.Launch(launchCtx, spec)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// authorize checks both assets and the requester's entitlement. Nothing else
// is contacted before it succeeds.
func (p *Pipeline) authorize(ctx context.Context, req *interfaces.ExecutionRequest) (*interfaces.Asset, *interfaces.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RegistryTimeout)
	defer cancel()

	dataset, err := p.registry.GetAsset(ctx, req.DatasetAssetID)
	if err != nil {
		return nil, nil, fmt.Errorf("dataset %d: %w", req.DatasetAssetID, err)
	}
	app, err := p.registry.GetAsset(ctx, req.ApplicationAssetID)
	if err != nil {
		return nil, nil, fmt.Errorf("application %d: %w", req.ApplicationAssetID, err)
	}

	if dataset.Kind != interfaces.DatasetAsset {
		return nil, nil, fmt.Errorf("%w: asset %d is not a dataset", interfaces.ErrAccessDenied, dataset.ID)
	}
	if app.Kind != interfaces.ApplicationAsset {
		return nil, nil, fmt.Errorf("%w: asset %d is not an application", interfaces.ErrAccessDenied, app.ID)
	}
	if !dataset.Active {
		return nil, nil, fmt.Errorf("%w: dataset %d", interfaces.ErrAssetInactive, dataset.ID)
	}
	if !app.Active {
		return nil, nil, fmt.Errorf("%w: application %d", interfaces.ErrAssetInactive, app.ID)
	}

	ok, err := p.registry.HasAccess(ctx, req.Requester, dataset.EncryptedLocator, app.EncryptedLocator)
	if err != nil {
		return nil, nil, fmt.Errorf("access check: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s may not run application %d over dataset %d",
			interfaces.ErrAccessDenied, req.Requester.Hex(), app.ID, dataset.ID)
	}
	return dataset, app, nil
}

// fetch retrieves an envelope and checks it against the registered content
// hash when the registry carries one.
func (p *Pipeline) fetch(ctx context.Context, asset *interfaces.Asset) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	envelope, err := p.fetcher.Fetch(ctx, asset.EncryptedLocator)
	if err != nil {
		return nil, err
	}

	if !asset.ContentHash.IsZero() {
		if sum := sha256.Sum256(envelope); !asset.ContentHash.Equal(sum) {
			return nil, fmt.Errorf("%w: envelope of asset %d does not match its registered content hash", interfaces.ErrFetch, asset.ID)
		}
	}
	return envelope, nil
}

// prepareSession makes sure both asset sessions exist and submits the
// execution session importing their keys.
func (p *Pipeline) prepareSession(ctx context.Context, req *interfaces.ExecutionRequest, dataset, app *interfaces.Asset) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CustodianTimeout)
	defer cancel()

	if _, err := p.sessions.AssetSession(ctx, dataset.EncryptedLocator); err != nil {
		return "", fmt.Errorf("dataset: %w", err)
	}
	if _, err := p.sessions.AssetSession(ctx, app.EncryptedLocator); err != nil {
		return "", fmt.Errorf("application: %w", err)
	}

	return p.sessions.SubmitExecution(ctx, dataset.EncryptedLocator, app.EncryptedLocator, req.Requester)
}

// RegisterAsset places the key of a registered asset in custody. The
// signature must come from the asset's registry owner over
// cryptoutils.RegistrationMessage; the locator and kind are taken from the
// registry. Registering an asset that already has a session keeps the
// existing key.
func (p *Pipeline) RegisterAsset(ctx context.Context, id interfaces.AssetID, key, signature []byte) (*sessions.AssetRegistration, error) {
	registryCtx, cancel := context.WithTimeout(ctx, p.cfg.RegistryTimeout)
	asset, err := p.registry.GetAsset(registryCtx, id)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("asset %d: %w", id, err)
	}

	signer, err := cryptoutils.RecoverRegistrationSigner(id, asset.EncryptedLocator, key, signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidRequest, err)
	}
	if signer != asset.Owner {
		return nil, fmt.Errorf("%w: registration of asset %d signed by %s, owner is %s",
			interfaces.ErrAccessDenied, id, signer.Hex(), asset.Owner.Hex())
	}
	if _, err := interfaces.ParseBlobLocation(asset.EncryptedLocator); err != nil {
		return nil, fmt.Errorf("%w: asset %d: %v", interfaces.ErrInvalidRequest, id, err)
	}

	ctx, cancel = context.WithTimeout(ctx, p.cfg.CustodianTimeout)
	defer cancel()

	registration, err := p.sessions.EnsureAsset(ctx, asset.EncryptedLocator, key, asset.Kind)
	if err != nil {
		return nil, err
	}
	if !registration.Created {
		p.log.Warn("Asset already in custody, submitted key ignored",
			slog.Uint64("asset_id", uint64(id)),
			slog.String("session", registration.SessionName))
	}
	return registration, nil
}
