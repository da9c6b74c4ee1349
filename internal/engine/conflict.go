package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"canopy/internal/domain"
	"canopy/internal/repo"
)

// ConflictCandidate is a plan-shaped probe for the scheduling check. Set
// ExcludePlanID when re-checking an existing plan so it does not collide
// with itself.
type ConflictCandidate struct {
	Date          string
	TreeID        string
	Responsible   string
	ExcludePlanID string
}

// normalizeDate truncates any accepted timestamp to its calendar day.
func normalizeDate(v string) string {
	v = strings.TrimSpace(v)
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02")
		}
	}
	if len(v) >= 10 {
		return v[:10]
	}
	return v
}

// CheckConflict scans existing plans for a same-day collision with the
// candidate. A plan collides when it shares the candidate's tree or its
// responsible name matches case-insensitively. The first matching plan in
// slice order decides the outcome, and the reported conflict type follows
// that plan's tree field: tree match wins when present, otherwise the
// match is attributed to the responsible party. Returns nil when nothing
// collides; a conflict is advisory and never blocks a save.
func CheckConflict(candidate ConflictCandidate, existing []domain.Plan) *domain.Conflict {
	date := normalizeDate(candidate.Date)
	if date == "" {
		return nil
	}
	for _, p := range existing {
		if candidate.ExcludePlanID != "" && p.ID == candidate.ExcludePlanID {
			continue
		}
		if normalizeDate(p.ScheduleStart) != date {
			continue
		}
		treeMatch := candidate.TreeID != "" && p.TreeID != nil && *p.TreeID == candidate.TreeID
		respMatch := candidate.Responsible != "" && p.Responsible != "" &&
			strings.EqualFold(p.Responsible, candidate.Responsible)
		if !treeMatch && !respMatch {
			continue
		}
		if treeMatch {
			return &domain.Conflict{
				Type:              "tree",
				ConflictingPlanID: p.ID,
				ConflictingCode:   p.Code,
				Message:           fmt.Sprintf("plan %s already targets tree %s on %s", p.Code, *p.TreeID, date),
			}
		}
		return &domain.Conflict{
			Type:              "responsible",
			ConflictingPlanID: p.ID,
			ConflictingCode:   p.Code,
			Message:           fmt.Sprintf("plan %s already assigns %s on %s", p.Code, p.Responsible, date),
		}
	}
	return nil
}

// CheckPlanConflict runs the same-day collision scan against the stored
// plan set of an installation.
func (e Engine) CheckPlanConflict(ctx context.Context, installationID string, candidate ConflictCandidate) (*domain.Conflict, error) {
	date := normalizeDate(candidate.Date)
	if date == "" {
		return nil, nil
	}
	plans, err := e.Repo.ListPlans(ctx, repo.PlanFilters{
		InstallationID: installationID,
		DateFrom:       date,
		DateTo:         date,
	})
	if err != nil {
		return nil, err
	}
	return CheckConflict(candidate, plans), nil
}
