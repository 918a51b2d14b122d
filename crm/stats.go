package crm

import (
	"context"
	"fmt"
)

// PartnerStats is the read-only reporting view of one partner.
type PartnerStats struct {
	Partner Partner
	Counts  StatusCounts
	Audit   PartnerAudit
}

// ConversionRate returns converted/added as a fraction, or 0 with no enrollments.
func (s PartnerStats) ConversionRate() float64 {
	if s.Partner.TotalAdded == 0 {
		return 0
	}
	return float64(s.Partner.TotalConverted) / float64(s.Partner.TotalAdded)
}

// PartnerStats reads a partner's aggregates, its referred users' status
// counts, and the journal audit. It never writes.
func (l *Ledger) PartnerStats(ctx context.Context, id PartnerID) (*PartnerStats, error) {
	p, err := l.store.GetPartner(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("partner stats %s: %w", id, err)
	}
	counts, err := l.store.StatusCounts(ctx, &id)
	if err != nil {
		return nil, fmt.Errorf("partner stats %s: %w", id, err)
	}
	audit, err := l.store.AuditPartner(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("partner stats %s: %w", id, err)
	}
	return &PartnerStats{Partner: *p, Counts: counts, Audit: *audit}, nil
}
