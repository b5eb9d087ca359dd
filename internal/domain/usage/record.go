package usage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawRecord is a usage detail row exactly as the billing API returned it,
// keyed by the provider's camelCase field names. Transient: consumed by the
// transform stage and discarded.
type RawRecord map[string]any

// Date peeks the usage date of a raw record without running the full
// transform, for month-boundary checks during pagination. Nil when the
// field is absent or unparseable.
func (r RawRecord) Date() *time.Time {
	return coerceTime(r["date"])
}

// CanonicalRecord is the normalized, typed usage row loaded into the sink.
// InstanceID and MonthDate are required by the time a record reaches the
// loader; everything else is optional and nil when the provider omitted or
// mangled the field. Immutable once loaded.
type CanonicalRecord struct {
	// Identity. InstanceID stays a pointer through the transform stage so a
	// missing value can flow to the loader boundary check instead of
	// aborting the whole chunk.
	InstanceID *string
	Date       *time.Time
	MonthDate  time.Time

	// Subscription and account descriptors.
	SubscriptionGuid  *string
	SubscriptionName  *string
	AccountName       *string
	AccountOwnerEmail *string
	DepartmentName    *string
	CostCenter        *string

	// Meter descriptors.
	MeterID          *string
	MeterName        *string
	MeterCategory    *string
	MeterSubCategory *string
	MeterRegion      *string
	UnitOfMeasure    *string

	// Product / service descriptors.
	Product                *string
	PartNumber             *string
	OfferID                *string
	ConsumedService        *string
	ResourceGroup          *string
	ResourceLocation       *string
	ResourceGuid           *string
	ServiceName            *string
	ServiceTier            *string
	ServiceInfo1           *string
	ServiceInfo2           *string
	ServiceAdministratorID *string
	StoreServiceIdentifier *string

	// Quantities and costs.
	ConsumedQuantity        *decimal.Decimal
	ResourceRate            *decimal.Decimal
	ExtendedCost            *decimal.Decimal
	ExtendedCostTax         *decimal.Decimal
	ChargesBilledSeparately *bool

	// Embedded JSON fields, cleaned but kept as strings.
	Tags           *string
	AdditionalInfo *string

	// Keys projected out of the parsed tags JSON.
	TagApp        *string
	TagTeam       *string
	TagOwner      *string
	TagCostCenter *string

	// Derived fields.
	NewMonth           string
	SKU                *string
	LatestResourceType *string
	ResourceName       *string
	VMName             *string

	// Owner tag assigned by the tagging engine.
	Tag *string
}

// HasRequiredFields reports whether the record satisfies the loader boundary
// invariant: non-nil instance ID and a real month date.
func (r *CanonicalRecord) HasRequiredFields() bool {
	return r.InstanceID != nil && *r.InstanceID != "" && !r.MonthDate.IsZero() && !r.MonthDate.Equal(SentinelMonthDate)
}

// SentinelMonthDate marks records whose source date was absent or
// unparseable. Such rows are corrected or dropped before load.
var SentinelMonthDate = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)
