package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finops/costpipe/internal/domain/tagging"
	"github.com/finops/costpipe/internal/domain/usage"
)

// UsageDetailModel is the persistence model for the staging table. One row
// per canonical usage record, written append-only per run.
type UsageDetailModel struct {
	ID         uuid.UUID  `gorm:"type:uuid;primary_key"`
	InstanceID *string    `gorm:"type:text;index"`
	UsageDate  *time.Time `gorm:"column:usage_date;type:date"`
	MonthDate  time.Time  `gorm:"type:date;not null;index"`
	NewMonth   string     `gorm:"type:varchar(20)"`

	SubscriptionGuid  *string `gorm:"type:varchar(64);index"`
	SubscriptionName  *string `gorm:"type:varchar(200)"`
	AccountName       *string `gorm:"type:varchar(200)"`
	AccountOwnerEmail *string `gorm:"type:varchar(200)"`
	DepartmentName    *string `gorm:"type:varchar(200)"`
	CostCenter        *string `gorm:"type:varchar(100)"`

	MeterID          *string `gorm:"type:varchar(64)"`
	MeterName        *string `gorm:"type:varchar(200)"`
	MeterCategory    *string `gorm:"type:varchar(100);index"`
	MeterSubCategory *string `gorm:"type:varchar(100)"`
	MeterRegion      *string `gorm:"type:varchar(100)"`
	UnitOfMeasure    *string `gorm:"type:varchar(50)"`

	Product                *string `gorm:"type:varchar(200)"`
	PartNumber             *string `gorm:"type:varchar(50)"`
	OfferID                *string `gorm:"type:varchar(50)"`
	ConsumedService        *string `gorm:"type:varchar(100)"`
	ResourceGroup          *string `gorm:"type:varchar(200);index"`
	ResourceLocation       *string `gorm:"type:varchar(100)"`
	ResourceGuid           *string `gorm:"type:varchar(64)"`
	ServiceName            *string `gorm:"type:varchar(100)"`
	ServiceTier            *string `gorm:"type:varchar(100)"`
	ServiceInfo1           *string `gorm:"type:text"`
	ServiceInfo2           *string `gorm:"type:text"`
	ServiceAdministratorID *string `gorm:"type:varchar(200)"`
	StoreServiceIdentifier *string `gorm:"type:varchar(100)"`

	ConsumedQuantity        *decimal.Decimal `gorm:"type:decimal(18,6)"`
	ResourceRate            *decimal.Decimal `gorm:"type:decimal(18,6)"`
	ExtendedCost            *decimal.Decimal `gorm:"type:decimal(18,6)"`
	ExtendedCostTax         *decimal.Decimal `gorm:"type:decimal(18,6)"`
	ChargesBilledSeparately *bool

	Tags           *string `gorm:"type:jsonb"`
	AdditionalInfo *string `gorm:"type:jsonb"`
	TagApp         *string `gorm:"type:varchar(100)"`
	TagTeam        *string `gorm:"type:varchar(100)"`
	TagOwner       *string `gorm:"type:varchar(100)"`
	TagCostCenter  *string `gorm:"type:varchar(100)"`

	SKU                *string `gorm:"column:sku;type:varchar(200)"`
	LatestResourceType *string `gorm:"type:varchar(200)"`
	ResourceName       *string `gorm:"type:varchar(200)"`
	VMName             *string `gorm:"column:vm_name;type:varchar(200)"`

	Tag *string `gorm:"type:varchar(200);index"`

	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (UsageDetailModel) TableName() string {
	return "usage_details_staging"
}

// NewUsageDetailModel converts a canonical record to its staging row.
func NewUsageDetailModel(rec usage.CanonicalRecord) UsageDetailModel {
	return UsageDetailModel{
		ID:         uuid.New(),
		InstanceID: rec.InstanceID,
		UsageDate:  rec.Date,
		MonthDate:  rec.MonthDate,
		NewMonth:   rec.NewMonth,

		SubscriptionGuid:  rec.SubscriptionGuid,
		SubscriptionName:  rec.SubscriptionName,
		AccountName:       rec.AccountName,
		AccountOwnerEmail: rec.AccountOwnerEmail,
		DepartmentName:    rec.DepartmentName,
		CostCenter:        rec.CostCenter,

		MeterID:          rec.MeterID,
		MeterName:        rec.MeterName,
		MeterCategory:    rec.MeterCategory,
		MeterSubCategory: rec.MeterSubCategory,
		MeterRegion:      rec.MeterRegion,
		UnitOfMeasure:    rec.UnitOfMeasure,

		Product:                rec.Product,
		PartNumber:             rec.PartNumber,
		OfferID:                rec.OfferID,
		ConsumedService:        rec.ConsumedService,
		ResourceGroup:          rec.ResourceGroup,
		ResourceLocation:       rec.ResourceLocation,
		ResourceGuid:           rec.ResourceGuid,
		ServiceName:            rec.ServiceName,
		ServiceTier:            rec.ServiceTier,
		ServiceInfo1:           rec.ServiceInfo1,
		ServiceInfo2:           rec.ServiceInfo2,
		ServiceAdministratorID: rec.ServiceAdministratorID,
		StoreServiceIdentifier: rec.StoreServiceIdentifier,

		ConsumedQuantity:        rec.ConsumedQuantity,
		ResourceRate:            rec.ResourceRate,
		ExtendedCost:            rec.ExtendedCost,
		ExtendedCostTax:         rec.ExtendedCostTax,
		ChargesBilledSeparately: rec.ChargesBilledSeparately,

		Tags:           rec.Tags,
		AdditionalInfo: rec.AdditionalInfo,
		TagApp:         rec.TagApp,
		TagTeam:        rec.TagTeam,
		TagOwner:       rec.TagOwner,
		TagCostCenter:  rec.TagCostCenter,

		SKU:                rec.SKU,
		LatestResourceType: rec.LatestResourceType,
		ResourceName:       rec.ResourceName,
		VMName:             rec.VMName,

		Tag:       rec.Tag,
		CreatedAt: time.Now(),
	}
}

// UsageFactModel is the derived fact row, keyed by a stable hash of the
// identifying fields and refreshed in month-sized batches.
type UsageFactModel struct {
	RecordHash       string    `gorm:"type:varchar(64);primary_key"`
	MonthDate        time.Time `gorm:"type:date;not null;index"`
	InstanceID       string    `gorm:"type:text;not null"`
	UsageDate        *time.Time
	MeterID          *string          `gorm:"type:varchar(64)"`
	MeterCategory    *string          `gorm:"type:varchar(100)"`
	ResourceGroup    *string          `gorm:"type:varchar(200)"`
	SubscriptionGuid *string          `gorm:"type:varchar(64)"`
	ConsumedQuantity *decimal.Decimal `gorm:"type:decimal(18,6)"`
	ExtendedCost     *decimal.Decimal `gorm:"type:decimal(18,6)"`
	ExtendedCostTax  *decimal.Decimal `gorm:"type:decimal(18,6)"`
	SKU              *string          `gorm:"column:sku;type:varchar(200)"`
	ResourceName     *string          `gorm:"type:varchar(200)"`
	Tag              *string          `gorm:"type:varchar(200);index"`
	RefreshedAt      time.Time        `gorm:"not null"`
}

// TableName returns the table name for GORM
func (UsageFactModel) TableName() string {
	return "fact_usage"
}

// NewUsageFactModel derives a fact row from a staging row.
func NewUsageFactModel(detail UsageDetailModel) UsageFactModel {
	return UsageFactModel{
		RecordHash:       FactRecordHash(detail),
		MonthDate:        detail.MonthDate,
		InstanceID:       strDeref(detail.InstanceID),
		UsageDate:        detail.UsageDate,
		MeterID:          detail.MeterID,
		MeterCategory:    detail.MeterCategory,
		ResourceGroup:    detail.ResourceGroup,
		SubscriptionGuid: detail.SubscriptionGuid,
		ConsumedQuantity: detail.ConsumedQuantity,
		ExtendedCost:     detail.ExtendedCost,
		ExtendedCostTax:  detail.ExtendedCostTax,
		SKU:              detail.SKU,
		ResourceName:     detail.ResourceName,
		Tag:              detail.Tag,
		RefreshedAt:      time.Now(),
	}
}

// FactRecordHash computes the stable key for a fact row from its identifying
// fields. Stable across runs: hashing the same staging row always yields the
// same key, so refreshes replace rather than duplicate.
func FactRecordHash(detail UsageDetailModel) string {
	var date string
	if detail.UsageDate != nil {
		date = detail.UsageDate.Format("2006-01-02")
	}
	parts := []string{
		strDeref(detail.InstanceID),
		date,
		strDeref(detail.MeterID),
		strDeref(detail.ResourceGroup),
		strDeref(detail.SubscriptionGuid),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// TagAuditModel is the append-only record of ambiguous tagging decisions,
// partitioned by month. Rows are written once and never updated.
type TagAuditModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primary_key"`
	MonthDate          time.Time `gorm:"type:date;not null;index"`
	InstanceID         string    `gorm:"type:text;not null"`
	LastSegmentMatch   *string   `gorm:"type:varchar(200)"`
	ResourceGroupMatch *string   `gorm:"type:varchar(200)"`
	SubscriptionMatch  *string   `gorm:"type:varchar(200)"`
	SelectedMatch      string    `gorm:"type:varchar(200);not null"`
	ConflictType       string    `gorm:"type:varchar(50);not null"`
	OccurredAt         time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (TagAuditModel) TableName() string {
	return "tag_audit"
}

// NewTagAuditModel converts an audit entry to its persistence row.
func NewTagAuditModel(entry tagging.AuditEntry, month time.Time) TagAuditModel {
	return TagAuditModel{
		ID:                 uuid.New(),
		MonthDate:          month,
		InstanceID:         entry.InstanceID,
		LastSegmentMatch:   entry.LastSegmentMatch,
		ResourceGroupMatch: entry.ResourceGroupMatch,
		SubscriptionMatch:  entry.SubscriptionMatch,
		SelectedMatch:      entry.SelectedMatch,
		ConflictType:       string(entry.ConflictType),
		OccurredAt:         entry.Timestamp,
	}
}

// TagPatternModel is the stored form of a tagging pattern.
type TagPatternModel struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	Pattern      string    `gorm:"type:varchar(500);not null"`
	OwnerLabel   string    `gorm:"type:varchar(200);not null"`
	PriorityTier int       `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (TagPatternModel) TableName() string {
	return "tag_patterns"
}

// ToDomain converts the persistence model to a tagging pattern.
func (m *TagPatternModel) ToDomain() tagging.Pattern {
	return tagging.Pattern{
		Pattern:      m.Pattern,
		OwnerLabel:   m.OwnerLabel,
		PriorityTier: m.PriorityTier,
	}
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
