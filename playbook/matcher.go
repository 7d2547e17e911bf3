package playbook

import (
	"strings"

	"bastion/core"
)

// Match specificity scores. Exact incident-type matches always outrank
// category-level matches regardless of other conditions.
const (
	matchNone     = 0
	matchCategory = 1
	matchExact    = 2
)

// Match selects the most specific active playbook for an incident from the
// candidates, or nil when none applies. Candidates are expected to already
// be scoped to the incident's firm.
//
// Ranking: exact incident-type match beats category-level match; ties break
// on severity exactness (the incident's severity explicitly listed in the
// trigger), then on the most recently updated playbook.
func Match(candidates []*Playbook, inc *core.Incident) *Playbook {
	if inc == nil {
		return nil
	}

	var (
		best      *Playbook
		bestScore int
		bestExact bool
	)
	for _, p := range candidates {
		score, severityExact := evaluate(p, inc)
		if score == matchNone {
			continue
		}
		if best == nil ||
			score > bestScore ||
			(score == bestScore && severityExact && !bestExact) ||
			(score == bestScore && severityExact == bestExact && p.UpdatedAt.After(best.UpdatedAt)) {
			best, bestScore, bestExact = p, score, severityExact
		}
	}
	return best
}

// evaluate scores one playbook against an incident. The second return
// reports whether the incident's severity was explicitly listed in the
// trigger conditions.
func evaluate(p *Playbook, inc *core.Incident) (int, bool) {
	if p == nil || !p.IsActive || p.FirmID != inc.FirmID {
		return matchNone, false
	}

	severityExact := false
	if len(p.Trigger.Severities) > 0 {
		if !containsSeverity(p.Trigger.Severities, inc.Severity) {
			return matchNone, false
		}
		severityExact = true
	}

	if len(p.Trigger.Tags) > 0 && !containsAllTags(inc.Tags, p.Trigger.Tags) {
		return matchNone, false
	}

	if len(p.Trigger.IncidentTypes) > 0 {
		if containsFold(p.Trigger.IncidentTypes, inc.IncidentType) {
			return matchExact, severityExact
		}
		return matchNone, false
	}

	// Category-level playbook: match against the incident's effective
	// category, preferring the taxonomy mapping over the category the
	// reporter supplied.
	effective := inc.Category
	if c, ok := core.CategoryOf(inc.IncidentType); ok {
		effective = c
	}
	if p.Category == effective {
		return matchCategory, severityExact
	}
	return matchNone, false
}

func containsSeverity(list []core.Severity, s core.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func containsAllTags(have, want []string) bool {
	for _, w := range want {
		if !containsFold(have, w) {
			return false
		}
	}
	return true
}
