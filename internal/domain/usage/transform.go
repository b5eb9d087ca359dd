package usage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/domain/faults"
)

// TaxMultiplier converts an extended cost to its tax-inclusive figure.
// Provider-specific constant.
var TaxMultiplier = decimal.NewFromFloat(1.10)

// newMonthLayout is the human-readable month label derived from the usage date.
const newMonthLayout = "January 2006"

// Transformer maps raw billing API rows into canonical records: provider
// camelCase to canonical names, non-strict type coercion, computed fields,
// embedded-JSON repair and business-rule derivations. Row count and order
// are preserved; required-field enforcement happens downstream at the loader
// boundary.
type Transformer struct {
	logger  *zap.Logger
	tracker *faults.Tracker
}

// NewTransformer creates a transformer. The tracker may be nil when
// malformed-field accounting is not wanted.
func NewTransformer(logger *zap.Logger, tracker *faults.Tracker) *Transformer {
	return &Transformer{
		logger:  logger,
		tracker: tracker,
	}
}

// Transform converts a chunk of raw rows. One row in, one row out.
func (t *Transformer) Transform(raw []RawRecord) []CanonicalRecord {
	records := make([]CanonicalRecord, len(raw))
	for i, row := range raw {
		records[i] = t.transformOne(row)
	}
	return records
}

func (t *Transformer) transformOne(row RawRecord) CanonicalRecord {
	rec := CanonicalRecord{
		InstanceID: coerceString(row["instanceId"]),
		Date:       t.coerceDateField(row, "date"),

		SubscriptionGuid:  coerceString(row["subscriptionGuid"]),
		SubscriptionName:  coerceString(row["subscriptionName"]),
		AccountName:       coerceString(row["accountName"]),
		AccountOwnerEmail: coerceString(row["accountOwnerEmail"]),
		DepartmentName:    coerceString(row["departmentName"]),
		CostCenter:        coerceString(row["costCenter"]),

		MeterID:          coerceString(row["meterId"]),
		MeterName:        coerceString(row["meterName"]),
		MeterCategory:    coerceString(row["meterCategory"]),
		MeterSubCategory: coerceString(row["meterSubCategory"]),
		MeterRegion:      coerceString(row["meterRegion"]),
		UnitOfMeasure:    coerceString(row["unitOfMeasure"]),

		Product:                coerceString(row["product"]),
		PartNumber:             coerceString(row["partNumber"]),
		OfferID:                coerceString(row["offerId"]),
		ConsumedService:        coerceString(row["consumedService"]),
		ResourceGroup:          coerceString(row["resourceGroup"]),
		ResourceLocation:       coerceString(row["resourceLocation"]),
		ResourceGuid:           coerceString(row["resourceGuid"]),
		ServiceName:            coerceString(row["serviceName"]),
		ServiceTier:            coerceString(row["serviceTier"]),
		ServiceInfo1:           coerceString(row["serviceInfo1"]),
		ServiceInfo2:           coerceString(row["serviceInfo2"]),
		ServiceAdministratorID: coerceString(row["serviceAdministratorId"]),
		StoreServiceIdentifier: coerceString(row["storeServiceIdentifier"]),

		ConsumedQuantity:        t.coerceDecimalField(row, "consumedQuantity"),
		ResourceRate:            t.coerceDecimalField(row, "resourceRate"),
		ChargesBilledSeparately: coerceBool(row["chargesBilledSeparately"]),
	}

	// Extended cost appears under either key depending on API version.
	rec.ExtendedCost = t.coerceDecimalField(row, "extendedCost")
	if rec.ExtendedCost == nil {
		rec.ExtendedCost = t.coerceDecimalField(row, "cost")
	}

	// Computed fields. Records without a date get a sentinel month so the
	// loader boundary check can find and exclude them.
	if rec.Date != nil {
		rec.MonthDate = truncateToMonth(*rec.Date)
		rec.NewMonth = rec.Date.Format(newMonthLayout)
	} else {
		rec.MonthDate = SentinelMonthDate
	}

	if rec.ExtendedCost != nil {
		tax := rec.ExtendedCost.Mul(TaxMultiplier)
		rec.ExtendedCostTax = &tax
	}

	t.repairEmbeddedJSON(row, &rec)

	instanceID := deref(rec.InstanceID)
	rec.SKU = deriveSKU(rec.MeterCategory, rec.MeterName, rec.Product)
	rec.LatestResourceType = deriveResourceType(instanceID)
	rec.ResourceName = deriveResourceName(instanceID)
	rec.VMName = deriveVMName(rec.MeterCategory, instanceID)

	return rec
}

// repairEmbeddedJSON salvages the tags and additionalInfo payloads and
// projects the known tag keys into dedicated fields. Unrecoverable payloads
// become nil, never errors.
func (t *Transformer) repairEmbeddedJSON(row RawRecord, rec *CanonicalRecord) {
	if raw := coerceString(row["tags"]); raw != nil {
		if repaired, ok := RepairJSON(*raw); ok {
			rec.Tags = &repaired
			projectTagKeys(ParseTags(repaired), rec)
		} else {
			t.observeMalformed("tags", *raw)
		}
	}

	if raw := coerceString(row["additionalInfo"]); raw != nil {
		if repaired, ok := RepairJSON(*raw); ok {
			rec.AdditionalInfo = &repaired
		} else {
			t.observeMalformed("additionalInfo", *raw)
		}
	}
}

// tagKeyAliases maps canonical tag fields to the spellings teams actually use.
var tagKeyAliases = map[string][]string{
	"app":         {"app", "application", "service"},
	"team":        {"team", "owning-team", "owner-team"},
	"owner":       {"billing-owner", "owner"},
	"cost_center": {"cost-center", "costcenter", "cost_center"},
}

func projectTagKeys(tags map[string]string, rec *CanonicalRecord) {
	if len(tags) == 0 {
		return
	}
	lowered := make(map[string]string, len(tags))
	for k, v := range tags {
		lowered[normalizeTagKey(k)] = v
	}
	rec.TagApp = lookupAlias(lowered, tagKeyAliases["app"])
	rec.TagTeam = lookupAlias(lowered, tagKeyAliases["team"])
	rec.TagOwner = lookupAlias(lowered, tagKeyAliases["owner"])
	rec.TagCostCenter = lookupAlias(lowered, tagKeyAliases["cost_center"])
}

func normalizeTagKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func lookupAlias(tags map[string]string, aliases []string) *string {
	for _, alias := range aliases {
		if v, ok := tags[alias]; ok && v != "" {
			return &v
		}
	}
	return nil
}

func (t *Transformer) coerceDateField(row RawRecord, key string) *time.Time {
	v, ok := row[key]
	if !ok || v == nil {
		return nil
	}
	parsed := coerceTime(v)
	if parsed == nil {
		t.observeMalformed(key, v)
	}
	return parsed
}

func (t *Transformer) coerceDecimalField(row RawRecord, key string) *decimal.Decimal {
	v, ok := row[key]
	if !ok || v == nil {
		return nil
	}
	parsed := coerceDecimal(v)
	if parsed == nil {
		t.observeMalformed(key, v)
	}
	return parsed
}

func (t *Transformer) observeMalformed(field string, value any) {
	if t.tracker != nil {
		t.tracker.Observe(faults.MalformedField(field, "unparseable value"))
	}
	t.logger.Debug("Recovered malformed field to null",
		zap.String("field", field),
		zap.Any("value", value))
}
