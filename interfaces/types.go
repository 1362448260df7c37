package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ContentID is a 32-byte SHA-256 hash of an encrypted envelope.
type ContentID [32]byte

// NewContentIDFromBytes creates a content ID from a 32-byte slice.
func NewContentIDFromBytes(source []byte) (ContentID, error) {
	if len(source) != 32 {
		return ContentID{}, errors.New("invalid ContentID conversion from bytes: incorrect length")
	}

	var hash [32]byte
	copy(hash[:], source)
	return ContentID(hash), nil
}

// NewContentIDFromHex parses a 64-character hex string, with or without 0x prefix.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewContentIDFromBytes(hashBytes)
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the content ID is unset.
func (id ContentID) IsZero() bool {
	return id == ContentID{}
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// AssetKind distinguishes datasets from applications. Values match the
// on-chain assetType enum.
type AssetKind uint8

const (
	DatasetAsset     AssetKind = 0
	ApplicationAsset AssetKind = 1
)

func (k AssetKind) String() string {
	switch k {
	case DatasetAsset:
		return "dataset"
	case ApplicationAsset:
		return "application"
	default:
		return "unknown"
	}
}

// ParseAssetKind parses the textual form produced by String.
func ParseAssetKind(s string) (AssetKind, error) {
	switch strings.ToLower(s) {
	case "dataset":
		return DatasetAsset, nil
	case "application", "app":
		return ApplicationAsset, nil
	default:
		return 0, fmt.Errorf("unknown asset kind %q", s)
	}
}

// AssetID identifies an asset in the registry.
type AssetID uint64

// UnmarshalJSON accepts both numbers and decimal strings; front ends commonly
// send ids as strings.
func (id *AssetID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid asset id %s: %w", string(data), err)
	}
	*id = AssetID(v)
	return nil
}

// Asset is a registry record. The pipeline only reads it.
type Asset struct {
	ID               AssetID        `json:"id"`
	Kind             AssetKind      `json:"kind"`
	Owner            common.Address `json:"owner"`
	EncryptedLocator string         `json:"encrypted_locator"`
	ManifestLocator  string         `json:"manifest_locator,omitempty"`
	ContentHash      ContentID      `json:"content_hash"`
	Price            *big.Int       `json:"price,omitempty"`
	Active           bool           `json:"active"`
}

// ExecutionRequest asks for one run of an application over a dataset.
// It is never persisted beyond the request.
type ExecutionRequest struct {
	DatasetAssetID     AssetID        `json:"datasetId"`
	ApplicationAssetID AssetID        `json:"applicationId"`
	Requester          common.Address `json:"userAddress"`
	Params             map[string]any `json:"params,omitempty"`
}

// ExecutionResult is the terminal outcome of one request.
type ExecutionResult struct {
	Success         bool      `json:"success"`
	Output          string    `json:"output"`
	ErrorKind       ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms,omitempty"`
}

// NewFailureResult converts an error into a structured failure result.
func NewFailureResult(err error) *ExecutionResult {
	return &ExecutionResult{
		Success:      false,
		ErrorKind:    KindOf(err),
		ErrorMessage: err.Error(),
	}
}

// Err returns the classified error carried by a failed result, or nil.
func (r *ExecutionResult) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return ErrorFromKind(r.ErrorKind, r.ErrorMessage)
}

// WithDuration records the execution wall time.
func (r *ExecutionResult) WithDuration(d time.Duration) *ExecutionResult {
	r.ExecutionTimeMs = d.Milliseconds()
	return r
}

// LaunchSpec is everything an isolated instance is given at launch. Keys are
// deliberately absent: the instance obtains them from the custodian after its
// own attestation.
type LaunchSpec struct {
	SessionName             string         `json:"session"`
	ServiceName             string         `json:"service"`
	DatasetEnvelopePath     string         `json:"dataset_envelope"`
	ApplicationEnvelopePath string         `json:"application_envelope"`
	Params                  map[string]any `json:"params,omitempty"`

	// WorkDir is where the instance places its plaintext working files. The
	// caller removes it after the launch, whether or not the instance
	// managed to clean up. Empty means the instance's own default.
	WorkDir string `json:"work_dir,omitempty"`
}

// Validate checks that all required fields are set.
func (s LaunchSpec) Validate() error {
	switch {
	case s.SessionName == "":
		return errors.New("session name is required")
	case s.ServiceName == "":
		return errors.New("service name is required")
	case s.DatasetEnvelopePath == "":
		return errors.New("dataset envelope path is required")
	case s.ApplicationEnvelopePath == "":
		return errors.New("application envelope path is required")
	}
	return nil
}
