package tagging

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/finops/costpipe/internal/domain/usage"
)

// DefaultSliceSize is how many records the engine tags per slice. Slicing
// bounds memory only; it must never change the decision for any record.
const DefaultSliceSize = 10000

// ConflictType identifies which identifying fields tied at the best tier.
type ConflictType string

const (
	ConflictSegmentResourceGroup ConflictType = "LAST_SEGMENT_RESOURCE_GROUP"
	ConflictSegmentSubscription  ConflictType = "LAST_SEGMENT_SUBSCRIPTION"
	ConflictGroupSubscription    ConflictType = "RESOURCE_GROUP_SUBSCRIPTION"
	ConflictAllFields            ConflictType = "ALL_FIELDS"
)

// AuditEntry records an ambiguous tagging decision. Write-once, append-only.
type AuditEntry struct {
	InstanceID         string
	LastSegmentMatch   *string
	ResourceGroupMatch *string
	SubscriptionMatch  *string
	SelectedMatch      string
	ConflictType       ConflictType
	Timestamp          time.Time
}

// Engine assigns an owner label to each record from the active pattern set.
// Tagging is a pure function of (record, pattern set); the engine carries
// only a logger and a clock.
type Engine struct {
	logger    *zap.Logger
	sliceSize int
	now       func() time.Time
}

// NewEngine creates a tagging engine. A non-positive sliceSize falls back to
// DefaultSliceSize.
func NewEngine(logger *zap.Logger, sliceSize int) *Engine {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	return &Engine{
		logger:    logger,
		sliceSize: sliceSize,
		now:       time.Now,
	}
}

// Apply tags every record against the pattern set. Returns one tag per
// record, in input order, plus the audit entries for conflicting decisions.
// A nil tag is only produced when the pattern set is empty, in which case no
// audit rows are produced either.
func (e *Engine) Apply(records []usage.CanonicalRecord, patterns []Pattern) ([]*string, []AuditEntry) {
	tags := make([]*string, len(records))
	if len(patterns) == 0 {
		e.logger.Warn("Tagging skipped: pattern set is empty",
			zap.Int("records", len(records)))
		return tags, nil
	}

	sorted := sortPatterns(patterns)

	var audit []AuditEntry
	for start := 0; start < len(records); start += e.sliceSize {
		end := start + e.sliceSize
		if end > len(records) {
			end = len(records)
		}
		for i := start; i < end; i++ {
			tag, entry := e.tagRecord(&records[i], sorted)
			tags[i] = &tag
			if entry != nil {
				audit = append(audit, *entry)
			}
		}
	}
	return tags, audit
}

// compiledPattern pairs a pattern with its precompiled uppercase fragments.
type compiledPattern struct {
	Pattern
	frags []string
}

// sortPatterns orders patterns ascending by tier, breaking ties by label so
// supply order can never influence a decision. Patterns with no literal
// fragments (all wildcards and separators) are dropped: they would match
// everything.
func sortPatterns(patterns []Pattern) []compiledPattern {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		frags := p.fragments()
		if len(frags) == 0 {
			continue
		}
		compiled = append(compiled, compiledPattern{Pattern: p, frags: frags})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].PriorityTier != compiled[j].PriorityTier {
			return compiled[i].PriorityTier < compiled[j].PriorityTier
		}
		if compiled[i].OwnerLabel != compiled[j].OwnerLabel {
			return compiled[i].OwnerLabel < compiled[j].OwnerLabel
		}
		return compiled[i].Pattern.Pattern < compiled[j].Pattern.Pattern
	})
	return compiled
}

// fieldMatch is the best (lowest-tier) match for one identifying field.
type fieldMatch struct {
	label string
	tier  int
	found bool
}

// bestMatch scans the sorted pattern set for the first hit. Sorting
// guarantees the hit has the lowest tier, and within that tier the
// alphabetically-first label.
func bestMatch(value string, patterns []compiledPattern) fieldMatch {
	if value == "" {
		return fieldMatch{}
	}
	for _, p := range patterns {
		if containsInOrder(value, p.frags) {
			return fieldMatch{label: p.OwnerLabel, tier: p.PriorityTier, found: true}
		}
	}
	return fieldMatch{}
}

// containsInOrder reports whether every fragment appears in the value, in
// fragment order and without overlap, so "aks-*-nodepool" requires "AKS-"
// before "-NODEPOOL".
func containsInOrder(value string, frags []string) bool {
	rest := value
	for _, f := range frags {
		i := strings.Index(rest, f)
		if i < 0 {
			return false
		}
		rest = rest[i+len(f):]
	}
	return true
}

// tagRecord computes the tag for one record and, when two or more fields tie
// at the best tier with differing labels, an audit entry. The decision is
// deterministic: ties resolve to the alphabetically-first label.
func (e *Engine) tagRecord(rec *usage.CanonicalRecord, patterns []compiledPattern) (string, *AuditEntry) {
	instanceID := derefOr(rec.InstanceID, "")
	segment := strings.ToUpper(usage.LastPathSegment(instanceID))
	group := strings.ToUpper(derefOr(rec.ResourceGroup, ""))
	subscription := strings.ToUpper(derefOr(rec.SubscriptionGuid, ""))

	segMatch := bestMatch(segment, patterns)
	groupMatch := bestMatch(group, patterns)
	subMatch := bestMatch(subscription, patterns)

	matches := []fieldMatch{segMatch, groupMatch, subMatch}
	bestTier := 0
	found := false
	for _, m := range matches {
		if !m.found {
			continue
		}
		if !found || m.tier < bestTier {
			bestTier = m.tier
			found = true
		}
	}

	if !found {
		// Never null: fall back to the uppercased trailing segment.
		return segment, nil
	}

	// Collect the fields that achieved the best tier.
	var tied []fieldMatch
	for _, m := range matches {
		if m.found && m.tier == bestTier {
			tied = append(tied, m)
		}
	}

	selected := tied[0].label
	distinct := false
	for _, m := range tied[1:] {
		if m.label != selected {
			distinct = true
		}
		if m.label < selected {
			selected = m.label
		}
	}

	if !distinct {
		return selected, nil
	}

	entry := &AuditEntry{
		InstanceID:         instanceID,
		LastSegmentMatch:   matchLabel(segMatch),
		ResourceGroupMatch: matchLabel(groupMatch),
		SubscriptionMatch:  matchLabel(subMatch),
		SelectedMatch:      selected,
		ConflictType:       conflictType(segMatch, groupMatch, subMatch, bestTier),
		Timestamp:          e.now(),
	}
	return selected, entry
}

// conflictType names the fields that tied at the best tier.
func conflictType(seg, group, sub fieldMatch, bestTier int) ConflictType {
	segTied := seg.found && seg.tier == bestTier
	groupTied := group.found && group.tier == bestTier
	subTied := sub.found && sub.tier == bestTier

	switch {
	case segTied && groupTied && subTied:
		return ConflictAllFields
	case segTied && groupTied:
		return ConflictSegmentResourceGroup
	case segTied && subTied:
		return ConflictSegmentSubscription
	default:
		return ConflictGroupSubscription
	}
}

func matchLabel(m fieldMatch) *string {
	if !m.found {
		return nil
	}
	label := m.label
	return &label
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
