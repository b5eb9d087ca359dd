package usage

import (
	"strings"
)

// Business-rule derivations for SKU, resource type, resource name and VM
// name. These are rule cascades keyed on meter category, product and
// instance ID shape; each rule falls through to the next when its guard does
// not hold.

const (
	meterCategoryVM = "virtual machines"

	// Node-pool instance IDs follow the managed-cluster scale-set naming
	// convention; their resource name collapses to the pool name so costs
	// group per pool instead of per ephemeral instance.
	nodePoolPrefix = "aks-"
	nodePoolSuffix = "-nodepool"
)

// LastPathSegment returns the trailing segment of a slash-separated
// identifier, or "" for empty input.
func LastPathSegment(instanceID string) string {
	trimmed := strings.TrimRight(instanceID, "/")
	if trimmed == "" {
		return ""
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// deriveSKU infers a SKU label for the record. Virtual-machine meters carry
// the SKU in the meter name with an OS family suffix inferred from the
// product string; other meters fall back to product, then meter name.
func deriveSKU(meterCategory, meterName, product *string) *string {
	category := strings.ToLower(deref(meterCategory))
	if category == meterCategoryVM {
		base := strings.TrimSpace(deref(meterName))
		if base == "" {
			return nil
		}
		sku := base + " (" + osFamily(deref(product)) + ")"
		return &sku
	}
	if p := strings.TrimSpace(deref(product)); p != "" {
		return &p
	}
	if m := strings.TrimSpace(deref(meterName)); m != "" {
		return &m
	}
	return nil
}

// osFamily infers the OS family from the product descriptor of a VM meter.
func osFamily(product string) string {
	if strings.Contains(strings.ToLower(product), "windows") {
		return "Windows"
	}
	return "Linux"
}

// deriveResourceType extracts the provider/type pair from an ARM-style
// instance ID, e.g. "microsoft.compute/virtualmachines". Returns nil when
// the ID does not carry a providers segment.
func deriveResourceType(instanceID string) *string {
	lower := strings.ToLower(instanceID)
	idx := strings.Index(lower, "/providers/")
	if idx < 0 {
		return nil
	}
	rest := lower[idx+len("/providers/"):]
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil
	}
	rt := parts[0] + "/" + parts[1]
	return &rt
}

// deriveResourceName names the resource for grouping. The generic rule is
// the trailing path segment; node-pool instances override it with the pool
// name plus a fixed suffix so scale-set churn does not fragment the series.
func deriveResourceName(instanceID string) *string {
	segment := LastPathSegment(instanceID)
	if segment == "" {
		return nil
	}
	lower := strings.ToLower(segment)
	if strings.HasPrefix(lower, nodePoolPrefix) {
		name := nodePoolName(lower) + nodePoolSuffix
		return &name
	}
	return &segment
}

// nodePoolName reduces "aks-agentpool-12345678-vmss000001" to
// "aks-agentpool". Segments that do not carry a pool token are returned
// as-is minus any trailing scale-set instance counter.
func nodePoolName(segment string) string {
	parts := strings.Split(segment, "-")
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return segment
}

// deriveVMName names the virtual machine for VM meters only.
func deriveVMName(meterCategory *string, instanceID string) *string {
	if strings.ToLower(deref(meterCategory)) != meterCategoryVM {
		return nil
	}
	segment := strings.ToLower(LastPathSegment(instanceID))
	if segment == "" {
		return nil
	}
	return &segment
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
