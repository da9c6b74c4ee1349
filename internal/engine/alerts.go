package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"canopy/internal/domain"
	"canopy/internal/events"
)

// AlertOptions are parameters for raising a field alert.
type AlertOptions struct {
	TaskID         string
	InstallationID string
	Type           string
	Message        string
	Lat            *float64
	Lng            *float64
	ActorID        string
}

// CreateAlert records a field-reported problem. An alert may reference a
// task or stand alone, and it never moves the task's state machine;
// blocking is a deliberate separate call.
func (e Engine) CreateAlert(ctx context.Context, opts AlertOptions) (domain.Alert, error) {
	if e.Config == nil {
		return domain.Alert{}, errors.New("config not loaded")
	}
	if opts.Message == "" {
		return domain.Alert{}, ValidationError{Field: "message", Reason: "required"}
	}
	if opts.Type == "" {
		opts.Type = "OTHER"
	}
	if len(e.Config.Alerts.Types) > 0 {
		if _, ok := e.Config.Alerts.Types[opts.Type]; !ok {
			return domain.Alert{}, ValidationError{Field: "type", Reason: "unknown alert type " + opts.Type}
		}
	}
	installationID := opts.InstallationID
	var taskID *string
	if opts.TaskID != "" {
		t, err := e.Repo.GetTask(ctx, opts.TaskID)
		if err != nil {
			return domain.Alert{}, err
		}
		taskID = &t.ID
		installationID = t.InstallationID
	}
	if installationID == "" {
		return domain.Alert{}, ValidationError{Field: "installation_id", Reason: "required"}
	}
	a := domain.Alert{
		ID:             uuid.New().String(),
		TaskID:         taskID,
		InstallationID: installationID,
		ActorID:        opts.ActorID,
		Type:           opts.Type,
		Message:        opts.Message,
		Lat:            opts.Lat,
		Lng:            opts.Lng,
		CreatedAt:      e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAlert(ctx, tx, a); err != nil {
		return a, err
	}
	entityID := a.ID
	if err := e.Events.Append(ctx, tx, "alert.created", a.InstallationID, "alert", entityID, opts.ActorID, events.EventPayload{
		"type":    a.Type,
		"task_id": opts.TaskID,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ResolveAlert closes an open alert with optional resolution notes.
// Manager-class roles only.
func (e Engine) ResolveAlert(ctx context.Context, alertID, actorID, notes string) (domain.Alert, error) {
	a, err := e.Repo.GetAlert(ctx, alertID)
	if err != nil {
		return a, err
	}
	if a.Resolved {
		return a, ValidationError{Field: "alert", Reason: "already resolved"}
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.requireManager(ctx, tx, a.InstallationID, actorID, "alert.resolve"); err != nil {
		return a, err
	}
	if err := e.Repo.ResolveAlert(ctx, tx, a.ID, actorID, now, notes); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "alert.resolved", a.InstallationID, "alert", a.ID, actorID, events.EventPayload{}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Resolved = true
	a.ResolvedAt = &now
	a.ResolvedBy = &actorID
	a.ResolutionNotes = notes
	return a, nil
}
