package inventory

import (
	"sort"
	"time"
)

// ExpiryWarningWindow is how far ahead a batch counts as expiring soon.
const ExpiryWarningWindow = 30 * 24 * time.Hour

// AlertProjection is the derived alert state of one medication at an instant.
type AlertProjection struct {
	HasLowStock     bool     `json:"has_low_stock"`
	HasExpiringSoon bool     `json:"has_expiring_soon"`
	HasExpired      bool     `json:"has_expired"`
	ExpiringBatches []*Batch `json:"expiring_batches"`
	ExpiredBatches  []*Batch `json:"expired_batches"`
}

// ProjectAlerts derives the alert flags of m from its batches at now. It has
// no side effects. Inactive medications project no alerts.
func ProjectAlerts(m *Medication, batches []*Batch, now time.Time) AlertProjection {
	p := AlertProjection{
		ExpiringBatches: []*Batch{},
		ExpiredBatches:  []*Batch{},
	}
	if !m.IsActive {
		return p
	}

	p.HasLowStock = m.CurrentStock <= m.ReorderLevel

	horizon := now.Add(ExpiryWarningWindow)
	for _, b := range batches {
		if b.Quantity <= 0 {
			continue
		}
		switch {
		case !b.ExpiryDate.After(now):
			p.ExpiredBatches = append(p.ExpiredBatches, b)
		case !b.ExpiryDate.After(horizon):
			p.ExpiringBatches = append(p.ExpiringBatches, b)
		}
	}
	p.HasExpiringSoon = len(p.ExpiringBatches) > 0
	p.HasExpired = len(p.ExpiredBatches) > 0
	return p
}

// applyProjection copies the flags onto m and reports whether any changed.
func applyProjection(m *Medication, p AlertProjection, now time.Time) bool {
	changed := m.HasLowStock != p.HasLowStock ||
		m.HasExpiringSoon != p.HasExpiringSoon ||
		m.HasExpired != p.HasExpired
	m.HasLowStock = p.HasLowStock
	m.HasExpiringSoon = p.HasExpiringSoon
	m.HasExpired = p.HasExpired
	evaluated := now
	m.AlertsEvaluatedAt = &evaluated
	return changed
}

// DaysUntil returns whole days from now until t, rounded up. Past instants
// give zero or a negative count.
func DaysUntil(t, now time.Time) int {
	d := t.Sub(now)
	days := int(d / (24 * time.Hour))
	if d > 0 && d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// sortBatches orders batches by expiry date, then by insertion order.
func sortBatches(batches []*Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if !batches[i].ExpiryDate.Equal(batches[j].ExpiryDate) {
			return batches[i].ExpiryDate.Before(batches[j].ExpiryDate)
		}
		return batches[i].Seq < batches[j].Seq
	})
}
