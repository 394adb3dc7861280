// Package integrity cross-checks the mint ledger: every completed mint
// request should have a matching issued token, and the minted and issued
// totals should agree. Discrepancies are reported, never auto-corrected.
package integrity

import (
	"context"
	"fmt"

	"dao-chain-indexer/database"
	"dao-chain-indexer/logger"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Report struct {
	Healthy           bool            `json:"healthy"`
	CompletedRequests int64           `json:"completedRequests"`
	IssuedTokens      int64           `json:"issuedTokens"`
	MintedTotal       decimal.Decimal `json:"mintedTotal"`
	IssuedTotal       decimal.Decimal `json:"issuedTotal"`
	Warnings          []string        `json:"warnings,omitempty"`
}

type Checker struct {
	db *gorm.DB
}

func NewChecker(db *gorm.DB) *Checker {
	return &Checker{db: db}
}

// Check audits the ledger, for one project or globally when projectID is
// zero. A completed request without its issued token row is a warning, not a
// failure - the mint succeeded on chain and only the mirror is missing.
func (c *Checker) Check(ctx context.Context, projectID uint64) (*Report, error) {
	db := c.db.WithContext(ctx)

	report := &Report{
		MintedTotal: decimal.Zero,
		IssuedTotal: decimal.Zero,
	}

	var completed []database.MintRequest
	query := db.Where("status = ?", database.MintStatusCompleted)
	if projectID != 0 {
		query = query.Where("project_id = ?", projectID)
	}
	if err := query.Find(&completed).Error; err != nil {
		return nil, errors.Wrap(err, "Check: load completed requests")
	}
	report.CompletedRequests = int64(len(completed))

	var issued []database.IssuedToken
	query = db.Model(&database.IssuedToken{})
	if projectID != 0 {
		query = query.Where("project_id = ?", projectID)
	}
	if err := query.Find(&issued).Error; err != nil {
		return nil, errors.Wrap(err, "Check: load issued tokens")
	}
	report.IssuedTokens = int64(len(issued))

	issuedByRequest := make(map[uint64]*database.IssuedToken, len(issued))
	for i := range issued {
		issuedByRequest[issued[i].MintRequestID] = &issued[i]
		report.IssuedTotal = report.IssuedTotal.Add(issued[i].Quantity)
	}

	for _, request := range completed {
		report.MintedTotal = report.MintedTotal.Add(request.Amount)

		token, ok := issuedByRequest[request.ID]
		if !ok {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("completed mint request %d has no issued token record", request.ID))
			continue
		}
		if !token.Quantity.Equal(request.Amount) {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("mint request %d: issued quantity %s does not match minted amount %s",
					request.ID, token.Quantity, request.Amount))
		}
	}

	for _, token := range issued {
		if token.MintRequestID == 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("issued token %d is not linked to a mint request", token.ID))
		}
	}

	report.Healthy = len(report.Warnings) == 0
	if !report.Healthy {
		logger.Warn("integrity check found %d discrepancies (project %d)", len(report.Warnings), projectID)
	}

	return report, nil
}
