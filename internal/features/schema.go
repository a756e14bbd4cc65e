package features

// SchemaVersion identifies the feature schema. Adding or removing a feature
// requires a version bump so stored vectors and model inputs stay comparable.
const SchemaVersion = "v1"

// EPS guards ratio features against division by zero.
const EPS = 1e-6

// Feature names, in schema order. The order is part of the schema contract:
// vectors are positional and consumed by version-pinned models.
const (
	FeatAmount    = "amount"
	FeatLogAmount = "log_amount"
	FeatHourOfDay = "hour_of_day"

	FeatChannelWeb = "channel_web"
	FeatChannelPOS = "channel_pos"
	FeatChannelATM = "channel_atm"
	FeatChannelApp = "channel_app"

	FeatGeoMissing = "geo_missing"

	FeatAcctSeen              = "acct_seen"
	FeatAcctSecondsSinceLast  = "acct_seconds_since_last"
	FeatAcctTxnCount1h        = "acct_txn_count_1h"
	FeatAcctAmountSum1h       = "acct_amount_sum_1h"
	FeatAcctTxnCount24h       = "acct_txn_count_24h"
	FeatAcctAmountSum24h      = "acct_amount_sum_24h"
	FeatAcctTxnCount7d        = "acct_txn_count_7d"
	FeatAcctAmountSum7d       = "acct_amount_sum_7d"
	FeatAcctDistinctMerchants = "acct_distinct_merchants"
	FeatAmountToAvg24h        = "amount_to_avg_24h"

	FeatCardTxnCount1h  = "card_txn_count_1h"
	FeatCardTxnCount24h = "card_txn_count_24h"

	FeatMerchTxnCount1h  = "merch_txn_count_1h"
	FeatMerchTxnCount24h = "merch_txn_count_24h"
)

// schemaNames returns the ordered feature names of the current schema.
func schemaNames() []string {
	return []string{
		FeatAmount,
		FeatLogAmount,
		FeatHourOfDay,
		FeatChannelWeb,
		FeatChannelPOS,
		FeatChannelATM,
		FeatChannelApp,
		FeatGeoMissing,
		FeatAcctSeen,
		FeatAcctSecondsSinceLast,
		FeatAcctTxnCount1h,
		FeatAcctAmountSum1h,
		FeatAcctTxnCount24h,
		FeatAcctAmountSum24h,
		FeatAcctTxnCount7d,
		FeatAcctAmountSum7d,
		FeatAcctDistinctMerchants,
		FeatAmountToAvg24h,
		FeatCardTxnCount1h,
		FeatCardTxnCount24h,
		FeatMerchTxnCount1h,
		FeatMerchTxnCount24h,
	}
}
