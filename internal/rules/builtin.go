package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultRules returns the baseline rule set seeded for new tenants.
// Tenants are expected to replace these through the rules API; the
// defaults exist so a fresh install declines the obviously bad cases.
func DefaultRules(tenantID string) []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "max-amount-block",
			TenantID:    tenantID,
			Name:        "Maximum Amount Hard Block",
			Description: "Declines any transaction above the hard amount ceiling",
			Version:     1,
			Kind:        domain.RuleKindBlock,
			Priority:    10,
			Expression:  `amount > 100000.0`,
			Reason:      "amount exceeds hard limit",
			Enabled:     true,
		},
		{
			ID:          "velocity-burst-adjust",
			TenantID:    tenantID,
			Name:        "Account Velocity Burst",
			Description: "Raises risk when an account transacts unusually often in the last hour",
			Version:     1,
			Kind:        domain.RuleKindAdjust,
			Priority:    10,
			Expression:  `features["acct_txn_count_1h"] > 20.0`,
			Adjustment:  0.25,
			Reason:      "account velocity burst",
			Enabled:     true,
		},
		{
			ID:          "high-value-adjust",
			TenantID:    tenantID,
			Name:        "High Value Transaction",
			Description: "Raises risk for transactions in the elevated value band",
			Version:     1,
			Kind:        domain.RuleKindAdjust,
			Priority:    20,
			Expression:  `amount > 50000.0`,
			Adjustment:  0.20,
			Reason:      "high value transaction",
			Enabled:     true,
		},
		{
			ID:          "missing-geo-adjust",
			TenantID:    tenantID,
			Name:        "Missing Geolocation",
			Description: "Raises risk when the transaction carries no geolocation",
			Version:     1,
			Kind:        domain.RuleKindAdjust,
			Priority:    30,
			Expression:  `geo_country == ""`,
			Adjustment:  0.10,
			Reason:      "missing geolocation",
			Enabled:     true,
		},
		{
			ID:          "risk-threshold",
			TenantID:    tenantID,
			Name:        "Risk Probability Threshold",
			Description: "Escalates transactions whose adjusted probability crosses the risk bands",
			Version:     1,
			Kind:        domain.RuleKindThreshold,
			Priority:    10,
			Expression:  `true`,
			Cutoff:      0.85,
			ReviewFloor: 0.60,
			Reason:      "adjusted probability in risk band",
			Enabled:     true,
		},
	}
}
