package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// MintRequest lifecycle. A request may enter StatusMinting at most once
// concurrently; StatusCompleted is terminal and immutable.
const (
	MintStatusPending   = "PENDING"
	MintStatusApproved  = "APPROVED"
	MintStatusMinting   = "MINTING"
	MintStatusCompleted = "COMPLETED"
	MintStatusFailed    = "FAILED"
	MintStatusRejected  = "REJECTED"
	MintStatusCancelled = "CANCELLED"
)

const (
	MintEventStarted   = "MINT_STARTED"
	MintEventCompleted = "MINT_COMPLETED"
	MintEventFailed    = "MINT_FAILED"
)

const (
	VerificationStatusPending  = "PENDING"
	VerificationStatusVerified = "VERIFIED"
	VerificationStatusFailed   = "FAILED"
	VerificationStatusExpired  = "EXPIRED"
)

const (
	TokenStatusIssued  = "ISSUED"
	TokenStatusRetired = "RETIRED"
)

const (
	TokenEventIssued  = "ISSUED"
	TokenEventUpdated = "UPDATED"
	TokenEventRetired = "RETIRED"
)

// BaseEntity is an abstract entity, all other entities should be derived from it
type BaseEntity struct {
	ID uint64 `gorm:"primaryKey"`
}

// IndexerState is the durable cursor of one (chain, contract, indexer type)
// scan loop. LastBlockNumber never decreases while the indexer is active; a
// paused indexer keeps its cursor for exact resumption.
type IndexerState struct {
	BaseEntity
	ChainID         uint64    `gorm:"uniqueIndex:idx_indexer_identity" json:"chainId"`
	ContractAddress string    `gorm:"type:varchar(42);uniqueIndex:idx_indexer_identity" json:"contractAddress"`
	IndexerType     string    `gorm:"type:varchar(50);uniqueIndex:idx_indexer_identity" json:"indexerType"`
	LastBlockNumber uint64    `json:"lastBlockNumber"`
	IsActive        bool      `json:"isActive"`
	ErrorCount      int       `json:"errorCount"`
	LastError       string    `gorm:"type:varchar(1000)" json:"lastError"`
	LastSyncAt      time.Time `json:"lastSyncAt"`
}

// IndexedEvent is one decoded contract log. The (chain, tx hash, log index)
// triple is unique, which makes re-scanning a range a no-op.
type IndexedEvent struct {
	BaseEntity
	ChainID         uint64    `gorm:"uniqueIndex:idx_event_identity" json:"chainId"`
	ContractAddress string    `gorm:"type:varchar(42);index" json:"contractAddress"`
	TxHash          string    `gorm:"type:varchar(66);uniqueIndex:idx_event_identity" json:"txHash"`
	LogIndex        uint64    `gorm:"uniqueIndex:idx_event_identity" json:"logIndex"`
	EventName       string    `gorm:"type:varchar(100)" json:"eventName"`
	BlockNumber     uint64    `json:"blockNumber"`
	BlockHash       string    `gorm:"type:varchar(66)" json:"blockHash"`
	BlockTimestamp  uint64    `json:"blockTimestamp"`
	DecodedArgs     string    `gorm:"type:text" json:"decodedArgs"`
	Processed       bool      `json:"processed"`
	ProcessingError string    `gorm:"type:varchar(1000)" json:"processingError"`
	CreatedAt       time.Time `json:"createdAt"`
}

type MintRequest struct {
	BaseEntity
	ProjectID   uint64          `gorm:"index"`
	TokenID     uint64          `gorm:"index"`
	Amount      decimal.Decimal `gorm:"type:decimal(65,0)"`
	Recipient   string          `gorm:"type:varchar(42)"`
	ChainID     uint64          // 0 means the configured default chain
	Status      string          `gorm:"type:varchar(20);index"`
	TxHash      string          `gorm:"type:varchar(66)"`
	BlockNumber uint64
	ExecutedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MintRequestEvent is the append-only audit trail of a MintRequest.
// Rows are never mutated or deleted.
type MintRequestEvent struct {
	BaseEntity
	MintRequestID uint64 `gorm:"index"`
	Type          string `gorm:"type:varchar(30)"`
	PerformedBy   string `gorm:"type:varchar(42)"`
	Notes         string `gorm:"type:varchar(2000)"`
	TxHash        string `gorm:"type:varchar(66)"`
	BlockNumber   uint64
	GasUsed       uint64
	CreatedAt     time.Time
}

type VerificationResult struct {
	BaseEntity
	ProjectID       uint64         `gorm:"index"`
	Method          string         `gorm:"type:varchar(50)"`
	Status          string         `gorm:"type:varchar(20);index"`
	ConfidenceScore float64
	Notes           string         `gorm:"type:varchar(2000)"`
	Evidence        []EvidenceFile `gorm:"foreignKey:VerificationResultID"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type EvidenceFile struct {
	BaseEntity
	VerificationResultID uint64 `gorm:"index"`
	FileName             string `gorm:"type:varchar(255)"`
	URI                  string `gorm:"type:varchar(1000)"`
	SizeBytes            int64
	Processed            bool
	Verified             bool
	ProcessingError      string `gorm:"type:varchar(1000)"`
	CreatedAt            time.Time
}

// IssuedToken mirrors a token successfully minted on-chain. At most one row
// exists per mint request.
type IssuedToken struct {
	BaseEntity
	MintRequestID   uint64          `gorm:"uniqueIndex"`
	ProjectID       uint64          `gorm:"index"`
	TokenID         uint64
	ContractAddress string          `gorm:"type:varchar(42)"`
	ChainID         uint64
	Quantity        decimal.Decimal `gorm:"type:decimal(65,0)"`
	Status          string          `gorm:"type:varchar(20)"`
	Events          []IssuedTokenEvent `gorm:"foreignKey:IssuedTokenID"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type IssuedTokenEvent struct {
	BaseEntity
	IssuedTokenID uint64 `gorm:"index"`
	Type          string `gorm:"type:varchar(30)"`
	Notes         string `gorm:"type:varchar(2000)"`
	TxHash        string `gorm:"type:varchar(66)"`
	BlockNumber   uint64
	CreatedAt     time.Time
}

const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// QueueJob is one unit of work in a named queue. Jobs survive process
// restarts; terminal failed rows are trimmed by the cleanup sweeper.
type QueueJob struct {
	ID          string    `gorm:"type:varchar(36);primaryKey"`
	Queue       string    `gorm:"type:varchar(50);index"`
	Payload     string    `gorm:"type:text"`
	Status      string    `gorm:"type:varchar(20);index"`
	Attempts    int
	MaxAttempts int
	RunAt       time.Time `gorm:"index"`
	Progress    int
	LastError   string    `gorm:"type:varchar(2000)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
