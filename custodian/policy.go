package custodian

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/ruteri/confidential-executor/interfaces"
)

var (
	sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	envVarPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// headLookup resolves the current head of another session during validation.
type headLookup func(ctx context.Context, name string) (*interfaces.SessionHead, error)

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", interfaces.ErrPolicyRejected, fmt.Sprintf(format, args...))
}

// checkChain enforces the compare-and-swap precondition against the current head.
func checkChain(doc *interfaces.SessionDocument, head *interfaces.SessionHead) error {
	if head == nil {
		if doc.Predecessor != "" {
			return fmt.Errorf("%w: session %s does not exist, predecessor must be empty", interfaces.ErrVersionConflict, doc.Name)
		}
		if doc.Version != 0 {
			return rejectf("new session %s must start at version 0, got %d", doc.Name, doc.Version)
		}
		return nil
	}

	if doc.Predecessor != head.Hash {
		return fmt.Errorf("%w: session %s predecessor %q is not the current head %q", interfaces.ErrVersionConflict, doc.Name, doc.Predecessor, head.Hash)
	}
	if doc.Version != head.Document.Version+1 {
		return rejectf("session %s version must be %d, got %d", doc.Name, head.Document.Version+1, doc.Version)
	}
	return nil
}

// validateDocument checks a document in isolation and against the sessions it
// imports from. It never mutates state.
func validateDocument(ctx context.Context, doc *interfaces.SessionDocument, lookup headLookup) error {
	if !sessionNamePattern.MatchString(doc.Name) {
		return rejectf("invalid session name %q", doc.Name)
	}

	if err := validatePolicy(doc.Policy); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(doc.Secrets))
	for i := range doc.Secrets {
		secret := &doc.Secrets[i]
		if secret.Name == "" {
			return rejectf("secret %d has no name", i)
		}
		if _, dup := seen[secret.Name]; dup {
			return rejectf("duplicate secret %q", secret.Name)
		}
		seen[secret.Name] = struct{}{}

		if err := validateSecret(ctx, doc, secret, lookup); err != nil {
			return err
		}
	}

	services := make(map[string]struct{}, len(doc.Services))
	for _, svc := range doc.Services {
		if svc.Name == "" {
			return rejectf("service with empty name")
		}
		if _, dup := services[svc.Name]; dup {
			return rejectf("duplicate service %q", svc.Name)
		}
		services[svc.Name] = struct{}{}

		envs := make(map[string]struct{}, len(svc.Inject))
		for _, inj := range svc.Inject {
			if _, ok := seen[inj.Secret]; !ok {
				return rejectf("service %q injects unknown secret %q", svc.Name, inj.Secret)
			}
			if !envVarPattern.MatchString(inj.EnvVar) {
				return rejectf("service %q uses invalid variable name %q", svc.Name, inj.EnvVar)
			}
			if _, dup := envs[inj.EnvVar]; dup {
				return rejectf("service %q injects %q twice", svc.Name, inj.EnvVar)
			}
			envs[inj.EnvVar] = struct{}{}
		}
	}

	return nil
}

func validatePolicy(p interfaces.AttestationPolicy) error {
	if len(p.AcceptedMeasurements) == 0 {
		return rejectf("policy accepts no measurements")
	}
	for _, m := range p.AcceptedMeasurements {
		normalized := interfaces.NormalizeMeasurement(m)
		if normalized == "" {
			return rejectf("empty measurement")
		}
		if _, err := hex.DecodeString(normalized); err != nil {
			return rejectf("measurement %q is not hex", m)
		}
	}
	for _, d := range p.ToleratedDeviations {
		if !slices.Contains(interfaces.KnownDeviations, d) {
			return rejectf("unknown tolerated deviation %q", d)
		}
	}
	return nil
}

func validateSecret(ctx context.Context, doc *interfaces.SessionDocument, secret *interfaces.Secret, lookup headLookup) error {
	for _, rule := range secret.Export {
		if rule.SessionPrefix == "" {
			return rejectf("secret %q exports to an empty session prefix", secret.Name)
		}
	}

	switch secret.Kind {
	case interfaces.LiteralSecret:
		if secret.Value == "" {
			return rejectf("literal secret %q has no value", secret.Name)
		}
		if secret.Import != nil {
			return rejectf("literal secret %q must not import", secret.Name)
		}
		return nil

	case interfaces.ImportedSecret:
		if secret.Value != "" {
			return rejectf("imported secret %q must not carry a value", secret.Name)
		}
		imp := secret.Import
		if imp == nil || imp.Session == "" || imp.Secret == "" {
			return rejectf("imported secret %q has no source", secret.Name)
		}
		if imp.Session == doc.Name {
			return rejectf("secret %q imports from its own session", secret.Name)
		}

		source, err := lookup(ctx, imp.Session)
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			return rejectf("secret %q imports from missing session %q", secret.Name, imp.Session)
		}
		if err != nil {
			return err
		}

		sourceSecret, ok := source.Document.Secret(imp.Secret)
		if !ok {
			return rejectf("session %q has no secret %q", imp.Session, imp.Secret)
		}
		if !sourceSecret.ExportedTo(doc.Name, doc.Policy) {
			return rejectf("secret %q of session %q is not exported to %q", imp.Secret, imp.Session, doc.Name)
		}
		return nil

	default:
		return rejectf("secret %q has unknown kind %q", secret.Name, secret.Kind)
	}
}
