// Package provider defines the capability contracts a storage backend
// implements. The orchestrator depends only on StorageCapability; the other
// capabilities are optional and discovered by type assertion.
package provider

import (
	"context"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/google/uuid"
)

// StorageCapability is the contract every pluggable backend implements.
// Implementations must return an envelope for every call; panics are
// tolerated by the orchestrator but treated as provider failures.
type StorageCapability interface {
	// ID returns the provider's stable identifier
	ID() model.ProviderID

	// Activate connects the provider. Idempotent.
	Activate(ctx context.Context) *result.Envelope[bool]

	// Deactivate disconnects the provider. Idempotent.
	Deactivate(ctx context.Context) *result.Envelope[bool]

	// LoadHolon loads a holon by id. version 0 loads the latest version.
	LoadHolon(ctx context.Context, id uuid.UUID, version int) *result.Envelope[*model.Holon]

	// SaveHolon persists the holon as given (the caller owns versioning) and
	// returns it with the provider's own key recorded in ProviderKeys.
	SaveHolon(ctx context.Context, holon *model.Holon) *result.Envelope[*model.Holon]

	// DeleteHolon tombstones the holon when softDelete is true, otherwise
	// removes it from the backend.
	DeleteHolon(ctx context.Context, id uuid.UUID, softDelete bool) *result.Envelope[bool]

	// Search returns every holon matching criteria
	Search(ctx context.Context, criteria model.SearchCriteria) *result.Envelope[[]*model.Holon]
}

// Transfer describes a value transfer between two wallet addresses
type Transfer struct {
	FromAddress string
	ToAddress   string
	Amount      string
	Memo        string
}

// TransactionCapability is implemented by backends able to move value
type TransactionCapability interface {
	SendTransaction(ctx context.Context, transfer Transfer) *result.Envelope[string]
}

// NFTMint describes a token to be minted
type NFTMint struct {
	ToAddress   string
	MetadataURI string
	Title       string
}

// NFTCapability is implemented by backends able to mint and transfer tokens
type NFTCapability interface {
	MintNFT(ctx context.Context, mint NFTMint) *result.Envelope[string]
	TransferNFT(ctx context.Context, tokenID string, transfer Transfer) *result.Envelope[string]
}

// Capability names reported by Capabilities
const (
	CapabilityStorage     = "storage"
	CapabilityTransaction = "transaction"
	CapabilityNFT         = "nft"
)

// Capabilities lists the capabilities a provider declares
func Capabilities(p StorageCapability) []string {
	caps := []string{CapabilityStorage}
	if _, ok := p.(TransactionCapability); ok {
		caps = append(caps, CapabilityTransaction)
	}
	if _, ok := p.(NFTCapability); ok {
		caps = append(caps, CapabilityNFT)
	}
	return caps
}
