// Package sessions builds custody session documents for assets and
// executions. Document construction is pure; Builder adds the custodian
// round trips around it.
package sessions

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/ruteri/confidential-executor/interfaces"
)

const (
	AssetPrefix     = "asset-"
	ExecutionPrefix = "exec-"

	// AssetSecret is the secret holding an asset's envelope key.
	AssetSecret = "asset_key"

	DatasetSecret     = "dataset_key"
	ApplicationSecret = "application_key"

	DatasetKeyEnv     = "DATASET_KEY"
	ApplicationKeyEnv = "APP_KEY"

	// DefaultService is the service the enclave instance binds to.
	DefaultService = "analysis"

	nameHashChars = 32
)

// Options shape generated documents.
type Options struct {
	// Policy is the attestation policy placed on every generated session.
	Policy interfaces.AttestationPolicy

	// ExportMeasurements optionally pins asset key exports to execution
	// sessions that accept only these measurements.
	ExportMeasurements []string
}

// SessionNameForLocator derives the custody session name of an asset. The
// same locator always maps to the same session.
func SessionNameForLocator(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return AssetPrefix + hex.EncodeToString(sum[:])[:nameHashChars]
}

// ExecutionSessionName derives the session name for runs of one application
// over one dataset by one requester.
func ExecutionSessionName(datasetLocator, appLocator string, requester common.Address) string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(datasetLocator), []byte(appLocator), requester.Bytes()} {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(part)))
		h.Write(length[:])
		h.Write(part)
	}
	return ExecutionPrefix + hex.EncodeToString(h.Sum(nil))[:nameHashChars]
}

// AssetKeyDocument is the first version of an asset's session: one literal
// secret holding the key, exportable to execution sessions.
func AssetKeyDocument(locator string, key []byte, kind interfaces.AssetKind, opts Options) (*interfaces.SessionDocument, error) {
	if locator == "" {
		return nil, fmt.Errorf("%w: empty locator", interfaces.ErrInvalidRequest)
	}
	if kind != interfaces.DatasetAsset && kind != interfaces.ApplicationAsset {
		return nil, fmt.Errorf("%w: unknown asset kind %d", interfaces.ErrInvalidRequest, kind)
	}
	if len(key) != cryptoutils.KeySize {
		return nil, fmt.Errorf("%w: %s key must be %d bytes", interfaces.ErrInvalidRequest, kind, cryptoutils.KeySize)
	}

	return &interfaces.SessionDocument{
		Name:    SessionNameForLocator(locator),
		Version: 0,
		Policy:  clonePolicy(opts.Policy),
		Secrets: []interfaces.Secret{{
			Name:  AssetSecret,
			Kind:  interfaces.LiteralSecret,
			Value: cryptoutils.EncodeKey(key),
			Export: []interfaces.ExportRule{{
				SessionPrefix: ExecutionPrefix,
				Measurements:  append([]string(nil), opts.ExportMeasurements...),
			}},
		}},
	}, nil
}

// ExecutionDocument builds the next version of an execution session importing
// both asset keys into service. head is the current head of name, or nil when
// the session does not exist yet.
func ExecutionDocument(head *interfaces.SessionHead, name, datasetSession, appSession string, policy interfaces.AttestationPolicy, service string) *interfaces.SessionDocument {
	doc := &interfaces.SessionDocument{
		Name:   name,
		Policy: clonePolicy(policy),
		Secrets: []interfaces.Secret{
			{
				Name:   DatasetSecret,
				Kind:   interfaces.ImportedSecret,
				Import: &interfaces.SecretImport{Session: datasetSession, Secret: AssetSecret},
			},
			{
				Name:   ApplicationSecret,
				Kind:   interfaces.ImportedSecret,
				Import: &interfaces.SecretImport{Session: appSession, Secret: AssetSecret},
			},
		},
		Services: []interfaces.ServiceBinding{{
			Name: service,
			Inject: []interfaces.SecretInjection{
				{Secret: DatasetSecret, EnvVar: DatasetKeyEnv},
				{Secret: ApplicationSecret, EnvVar: ApplicationKeyEnv},
			},
		}},
	}

	if head != nil {
		doc.Version = head.Document.Version + 1
		doc.Predecessor = head.Hash
	}
	return doc
}

func clonePolicy(p interfaces.AttestationPolicy) interfaces.AttestationPolicy {
	return interfaces.AttestationPolicy{
		AcceptedMeasurements: append([]string(nil), p.AcceptedMeasurements...),
		ToleratedDeviations:  append([]interfaces.Deviation(nil), p.ToleratedDeviations...),
	}
}
