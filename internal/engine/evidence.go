package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"canopy/internal/domain"
	"canopy/internal/events"
)

// EvidenceOptions are parameters for appending a photographic record.
type EvidenceOptions struct {
	TaskID       string
	Stage        string
	PhotoRef     string
	MetadataJSON string
	Notes        string
	Lat          *float64
	Lng          *float64
	ActorID      string
}

// AddEvidence appends to the task's evidence ledger. Records are never
// mutated or deleted; the stage is stored exactly as captured. Valid at
// any point before the task reaches a terminal state.
func (e Engine) AddEvidence(ctx context.Context, opts EvidenceOptions) (domain.Evidence, error) {
	if e.Config == nil {
		return domain.Evidence{}, errors.New("config not loaded")
	}
	if opts.PhotoRef == "" {
		return domain.Evidence{}, ValidationError{Field: "photo_ref", Reason: "required"}
	}
	if !e.validStage(opts.Stage) {
		return domain.Evidence{}, ValidationError{Field: "stage", Reason: "unknown stage " + opts.Stage}
	}
	if opts.MetadataJSON != "" {
		var tmp any
		if err := json.Unmarshal([]byte(opts.MetadataJSON), &tmp); err != nil {
			return domain.Evidence{}, ValidationError{Field: "metadata_json", Reason: "invalid JSON"}
		}
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.Evidence{}, err
	}
	if t.Status == "COMPLETED" || t.Status == "CANCELLED" {
		return domain.Evidence{}, InvalidTransitionError{Entity: "task", From: t.Status, To: t.Status}
	}
	ev := domain.Evidence{
		ID:           uuid.New().String(),
		TaskID:       t.ID,
		Stage:        opts.Stage,
		PhotoRef:     opts.PhotoRef,
		MetadataJSON: opts.MetadataJSON,
		Notes:        opts.Notes,
		CaptureLat:   opts.Lat,
		CaptureLng:   opts.Lng,
		CapturedBy:   opts.ActorID,
		CapturedAt:   e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return ev, err
	}
	if err := e.Events.Append(ctx, tx, "evidence.added", t.InstallationID, "task", t.ID, opts.ActorID, events.EventPayload{
		"stage":     ev.Stage,
		"photo_ref": ev.PhotoRef,
	}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}
	return ev, nil
}

func (e Engine) validStage(stage string) bool {
	if e.Config != nil && len(e.Config.Evidence.Stages) > 0 {
		_, ok := e.Config.Evidence.Stages[stage]
		return ok
	}
	switch stage {
	case "before", "during_1", "during_2", "after", "completion":
		return true
	}
	return false
}

// DisplayStage collapses the fine-grained capture stages into the coarse
// label shown on dashboards. Presentation only; storage keeps the exact
// stage.
func DisplayStage(stage string) string {
	switch stage {
	case "during_1", "during_2":
		return "during"
	default:
		return stage
	}
}

// EvidenceStageOf projects a task's evidence set onto the coarse marker
// {none, before, during, after, completed}. Derived on demand, never
// stored.
func EvidenceStageOf(evidence []domain.Evidence) string {
	have := map[string]bool{}
	for _, ev := range evidence {
		have[DisplayStage(ev.Stage)] = true
	}
	switch {
	case have["completion"]:
		return "completed"
	case have["after"]:
		return "after"
	case have["during"]:
		return "during"
	case have["before"]:
		return "before"
	default:
		return "none"
	}
}
