package usage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/domain/faults"
)

func newTestTransformer(t *testing.T) (*Transformer, *faults.Tracker) {
	t.Helper()
	tracker := faults.NewTracker(faults.DefaultHistoryLimit)
	return NewTransformer(zap.NewNop(), tracker), tracker
}

func sampleRaw() RawRecord {
	return RawRecord{
		"instanceId":       "/subscriptions/sub-1/resourceGroups/rg-production/providers/Microsoft.Compute/virtualMachines/vm-web-01",
		"date":             "2025-06-14",
		"subscriptionGuid": "sub-1",
		"subscriptionName": "Production",
		"resourceGroup":    "rg-production",
		"meterCategory":    "Virtual Machines",
		"meterName":        "D4s v3",
		"product":          "Virtual Machines Dv3 Series Windows",
		"consumedQuantity": 24.0,
		"resourceRate":     0.25,
		"extendedCost":     6.0,
		"unitOfMeasure":    "1 Hour",
		"tags":             `{"app":"billing","owning-team":"platform"}`,
	}
}

func TestTransform(t *testing.T) {
	t.Run("maps provider fields to canonical record", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		records := tr.Transform([]RawRecord{sampleRaw()})
		require.Len(t, records, 1)

		rec := records[0]
		require.NotNil(t, rec.InstanceID)
		assert.Contains(t, *rec.InstanceID, "vm-web-01")
		assert.Equal(t, "sub-1", *rec.SubscriptionGuid)
		assert.Equal(t, "rg-production", *rec.ResourceGroup)
		assert.Equal(t, "Virtual Machines", *rec.MeterCategory)
		assert.True(t, rec.ConsumedQuantity.Equal(decimal.NewFromInt(24)))
	})

	t.Run("computes month date and label", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		rec := tr.Transform([]RawRecord{sampleRaw()})[0]

		assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), rec.MonthDate)
		assert.Equal(t, "June 2025", rec.NewMonth)
		assert.True(t, rec.HasRequiredFields())
	})

	t.Run("computes tax-inclusive cost", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		rec := tr.Transform([]RawRecord{sampleRaw()})[0]

		require.NotNil(t, rec.ExtendedCostTax)
		expected := decimal.NewFromInt(6).Mul(TaxMultiplier)
		assert.True(t, rec.ExtendedCostTax.Equal(expected))
	})

	t.Run("missing required fields synthesize as null", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		rec := tr.Transform([]RawRecord{{"meterName": "D4s v3"}})[0]

		assert.Nil(t, rec.InstanceID)
		assert.Nil(t, rec.Date)
		assert.Equal(t, SentinelMonthDate, rec.MonthDate)
		assert.False(t, rec.HasRequiredFields())
	})

	t.Run("bad numeric field becomes null without aborting the record", func(t *testing.T) {
		tr, tracker := newTestTransformer(t)
		raw := sampleRaw()
		raw["consumedQuantity"] = "not-a-number"

		rec := tr.Transform([]RawRecord{raw})[0]

		assert.Nil(t, rec.ConsumedQuantity)
		assert.NotNil(t, rec.ExtendedCost)
		assert.Equal(t, 1, tracker.Count(faults.KindMalformedField, faults.SeverityWarning))
	})

	t.Run("bad date falls back to sentinel month", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		raw := sampleRaw()
		raw["date"] = "mid-June-ish"

		rec := tr.Transform([]RawRecord{raw})[0]
		assert.Nil(t, rec.Date)
		assert.Equal(t, SentinelMonthDate, rec.MonthDate)
	})

	t.Run("projects known tag keys", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		rec := tr.Transform([]RawRecord{sampleRaw()})[0]

		require.NotNil(t, rec.TagApp)
		assert.Equal(t, "billing", *rec.TagApp)
		require.NotNil(t, rec.TagTeam)
		assert.Equal(t, "platform", *rec.TagTeam)
		assert.Nil(t, rec.TagOwner)
	})

	t.Run("repairs broken tags payload", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		raw := sampleRaw()
		raw["tags"] = `{app: 'billing',}`

		rec := tr.Transform([]RawRecord{raw})[0]
		require.NotNil(t, rec.Tags)
		assert.JSONEq(t, `{"app":"billing"}`, *rec.Tags)
		require.NotNil(t, rec.TagApp)
		assert.Equal(t, "billing", *rec.TagApp)
	})

	t.Run("unrecoverable tags become null and are tracked", func(t *testing.T) {
		tr, tracker := newTestTransformer(t)
		raw := sampleRaw()
		raw["tags"] = "not json at all"

		rec := tr.Transform([]RawRecord{raw})[0]
		assert.Nil(t, rec.Tags)
		assert.Nil(t, rec.TagApp)
		assert.Equal(t, 1, tracker.Count(faults.KindMalformedField, faults.SeverityWarning))
	})

	t.Run("extended cost falls back to the cost key", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		raw := sampleRaw()
		delete(raw, "extendedCost")
		raw["cost"] = 3.5

		rec := tr.Transform([]RawRecord{raw})[0]
		require.NotNil(t, rec.ExtendedCost)
		assert.True(t, rec.ExtendedCost.Equal(decimal.NewFromFloat(3.5)))
	})

	t.Run("row count and order are preserved", func(t *testing.T) {
		tr, _ := newTestTransformer(t)
		rows := []RawRecord{
			{"instanceId": "/a/first", "date": "2025-06-01"},
			{"meterName": "broken row"},
			{"instanceId": "/a/third", "date": "2025-06-02"},
		}

		records := tr.Transform(rows)
		require.Len(t, records, 3)
		assert.Equal(t, "/a/first", *records[0].InstanceID)
		assert.Nil(t, records[1].InstanceID)
		assert.Equal(t, "/a/third", *records[2].InstanceID)
	})
}

func TestDerivations(t *testing.T) {
	vm := "Virtual Machines"
	storage := "Storage"

	t.Run("VM SKU carries OS family from product", func(t *testing.T) {
		meter := "D4s v3"
		productWin := "Virtual Machines Dv3 Series Windows"
		productLinux := "Virtual Machines Dv3 Series"

		sku := deriveSKU(&vm, &meter, &productWin)
		require.NotNil(t, sku)
		assert.Equal(t, "D4s v3 (Windows)", *sku)

		sku = deriveSKU(&vm, &meter, &productLinux)
		require.NotNil(t, sku)
		assert.Equal(t, "D4s v3 (Linux)", *sku)
	})

	t.Run("non-VM SKU prefers product", func(t *testing.T) {
		product := "Blob Storage Hot LRS"
		meter := "LRS Data Stored"
		sku := deriveSKU(&storage, &meter, &product)
		require.NotNil(t, sku)
		assert.Equal(t, product, *sku)
	})

	t.Run("resource type from providers segment", func(t *testing.T) {
		rt := deriveResourceType("/subscriptions/s/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm-1")
		require.NotNil(t, rt)
		assert.Equal(t, "microsoft.compute/virtualmachines", *rt)

		assert.Nil(t, deriveResourceType("/subscriptions/s/resourceGroups/rg"))
	})

	t.Run("resource name is the trailing segment", func(t *testing.T) {
		name := deriveResourceName("/subscriptions/s/providers/Microsoft.Storage/storageAccounts/billingdata01")
		require.NotNil(t, name)
		assert.Equal(t, "billingdata01", *name)
	})

	t.Run("node pool naming overrides the trailing segment", func(t *testing.T) {
		name := deriveResourceName("/subscriptions/s/resourceGroups/rg/providers/Microsoft.Compute/virtualMachineScaleSets/aks-agentpool-12345678-vmss000001")
		require.NotNil(t, name)
		assert.Equal(t, "aks-agentpool-nodepool", *name)
	})

	t.Run("VM name only for VM meters", func(t *testing.T) {
		id := "/subscriptions/s/providers/Microsoft.Compute/virtualMachines/VM-Web-01"
		name := deriveVMName(&vm, id)
		require.NotNil(t, name)
		assert.Equal(t, "vm-web-01", *name)

		assert.Nil(t, deriveVMName(&storage, id))
	})
}

func TestCoercion(t *testing.T) {
	t.Run("decimal from string with thousands separators", func(t *testing.T) {
		d := coerceDecimal("1,234.56")
		require.NotNil(t, d)
		assert.True(t, d.Equal(decimal.NewFromFloat(1234.56)))
	})

	t.Run("decimal from unparseable string is nil", func(t *testing.T) {
		assert.Nil(t, coerceDecimal("lots"))
	})

	t.Run("time from multiple layouts", func(t *testing.T) {
		for _, in := range []string{"2025-06-14", "2025-06-14T10:30:00Z", "06/14/2025"} {
			parsed := coerceTime(in)
			require.NotNil(t, parsed, "layout %q", in)
			assert.Equal(t, 14, parsed.Day())
		}
	})

	t.Run("empty string coerces to nil", func(t *testing.T) {
		assert.Nil(t, coerceString("  "))
		assert.Nil(t, coerceTime(""))
		assert.Nil(t, coerceDecimal(""))
	})

	t.Run("bool spellings", func(t *testing.T) {
		b := coerceBool("true")
		require.NotNil(t, b)
		assert.True(t, *b)
		assert.Nil(t, coerceBool("maybe"))
	})
}
