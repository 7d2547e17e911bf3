package playbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/core"
)

func matcherIncident() *core.Incident {
	return &core.Incident{
		ID:           "inc-matcher1",
		FirmID:       "firm-1",
		IncidentType: "ransomware",
		Category:     core.CategorySecurity,
		Severity:     core.SeverityCritical,
		Tags:         []string{"prod", "finance"},
	}
}

func categoryPlaybook(id string, updated time.Time) *Playbook {
	return &Playbook{
		ID:        id,
		FirmID:    "firm-1",
		Name:      "Generic security response " + id,
		Category:  core.CategorySecurity,
		Severity:  core.SeverityHigh,
		IsActive:  true,
		UpdatedAt: updated,
	}
}

func exactPlaybook(id string, updated time.Time) *Playbook {
	p := categoryPlaybook(id, updated)
	p.Trigger.IncidentTypes = []string{"ransomware"}
	return p
}

func TestMatchExactTypeBeatsCategory(t *testing.T) {
	now := time.Now().UTC()
	// The category playbook is newer, but exact type still wins.
	cat := categoryPlaybook("pb-cat", now)
	exact := exactPlaybook("pb-exact", now.Add(-24*time.Hour))

	got := Match([]*Playbook{cat, exact}, matcherIncident())
	require.NotNil(t, got)
	assert.Equal(t, "pb-exact", got.ID)
}

func TestMatchSeverityExactnessBreaksTies(t *testing.T) {
	now := time.Now().UTC()
	loose := exactPlaybook("pb-loose", now)
	pinned := exactPlaybook("pb-pinned", now.Add(-time.Hour))
	pinned.Trigger.Severities = []core.Severity{core.SeverityCritical}

	got := Match([]*Playbook{loose, pinned}, matcherIncident())
	require.NotNil(t, got)
	assert.Equal(t, "pb-pinned", got.ID, "explicit severity listing outranks recency")
}

func TestMatchRecencyBreaksRemainingTies(t *testing.T) {
	now := time.Now().UTC()
	older := exactPlaybook("pb-older", now.Add(-time.Hour))
	newer := exactPlaybook("pb-newer", now)

	got := Match([]*Playbook{older, newer}, matcherIncident())
	require.NotNil(t, got)
	assert.Equal(t, "pb-newer", got.ID)
}

func TestMatchSeverityFilterExcludes(t *testing.T) {
	p := exactPlaybook("pb-1", time.Now().UTC())
	p.Trigger.Severities = []core.Severity{core.SeverityLow}

	assert.Nil(t, Match([]*Playbook{p}, matcherIncident()))
}

func TestMatchTagsMustAllBePresent(t *testing.T) {
	now := time.Now().UTC()
	p := exactPlaybook("pb-1", now)
	p.Trigger.Tags = []string{"prod", "finance"}
	require.NotNil(t, Match([]*Playbook{p}, matcherIncident()))

	p.Trigger.Tags = []string{"prod", "staging"}
	assert.Nil(t, Match([]*Playbook{p}, matcherIncident()))
}

func TestMatchCategoryViaTaxonomy(t *testing.T) {
	// Incident typed "ransomware" with no category set still matches a
	// security-category playbook through the taxonomy.
	inc := matcherIncident()
	inc.Category = ""

	p := categoryPlaybook("pb-cat", time.Now().UTC())
	got := Match([]*Playbook{p}, inc)
	require.NotNil(t, got)
	assert.Equal(t, "pb-cat", got.ID)
}

func TestMatchSkipsInactiveAndForeign(t *testing.T) {
	now := time.Now().UTC()
	inactive := exactPlaybook("pb-inactive", now)
	inactive.IsActive = false
	foreign := exactPlaybook("pb-foreign", now)
	foreign.FirmID = "firm-2"

	assert.Nil(t, Match([]*Playbook{inactive, foreign}, matcherIncident()))
}

func TestMatchNoCandidates(t *testing.T) {
	assert.Nil(t, Match(nil, matcherIncident()))
	assert.Nil(t, Match([]*Playbook{}, matcherIncident()))
}

func TestMatchWrongTypeListExcluded(t *testing.T) {
	p := exactPlaybook("pb-1", time.Now().UTC())
	p.Trigger.IncidentTypes = []string{"phishing"}

	// A typed playbook that lists other types never falls back to
	// category matching.
	assert.Nil(t, Match([]*Playbook{p}, matcherIncident()))
}
