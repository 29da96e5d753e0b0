// Package undo replays the append-only action log backwards and
// forwards. Every mutating API operation records an Action with JSON
// snapshots of the entity before and after; undo applies the inverse
// operation for the (entity_type, action_type) pair, redo re-applies the
// recorded new state.
package undo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/store"
	"github.com/jedarden/ringmaster/pkg/models"
)

// Action types recorded by the API surface.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionDelete     = "delete"
	ActionAssign     = "assign"
	ActionAddDep     = "add_dependency"
	ActionRemoveDep  = "remove_dependency"
	ActionStatusTask = "status_change"
)

// ErrNothingToUndo is returned when the log holds no applicable action.
var ErrNothingToUndo = errors.New("nothing to undo")

// ErrNothingToRedo is returned when no undone action can be re-applied.
var ErrNothingToRedo = errors.New("nothing to redo")

// Store is the slice of persistence undo needs. *store.Store satisfies
// it.
type Store interface {
	AppendAction(ctx context.Context, a *models.Action) error
	GetLastUndoable(ctx context.Context, projectID string) (*models.Action, error)
	GetLastRedoable(ctx context.Context, projectID string) (*models.Action, error)
	SetActionUndone(ctx context.Context, actionID string, undone bool) error
	ActionHistory(ctx context.Context, projectID string, limit int) ([]*models.Action, error)

	GetBead(ctx context.Context, id string) (*models.Bead, error)
	CreateBead(ctx context.Context, b *models.Bead) error
	UpdateBead(ctx context.Context, b *models.Bead) error
	DeleteBead(ctx context.Context, id string) error

	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	CreateWorker(ctx context.Context, w *models.Worker) error
	UpdateWorker(ctx context.Context, w *models.Worker) error
	DeleteWorker(ctx context.Context, id string) error

	AddDependency(ctx context.Context, childID, parentID string) error
	RemoveDependency(ctx context.Context, childID, parentID string) error
}

// Manager applies undo/redo against the store.
type Manager struct {
	store Store
	bus   *eventbus.Bus
}

// NewManager creates an undo manager. bus may be nil.
func NewManager(st Store, bus *eventbus.Bus) *Manager {
	return &Manager{store: st, bus: bus}
}

// RecordAction appends one action to the log.
func (m *Manager) RecordAction(ctx context.Context, actionType string, entityType models.EntityType, entityID, projectID, actor string, previous, current any) error {
	prevJSON, err := snapshot(previous)
	if err != nil {
		return fmt.Errorf("snapshot previous state: %w", err)
	}
	newJSON, err := snapshot(current)
	if err != nil {
		return fmt.Errorf("snapshot new state: %w", err)
	}
	return m.store.AppendAction(ctx, &models.Action{
		ActionType:    actionType,
		EntityType:    entityType,
		EntityID:      entityID,
		ProjectID:     projectID,
		PreviousState: prevJSON,
		NewState:      newJSON,
		Actor:         actor,
	})
}

// Undo reverses the most recent non-undone action, optionally scoped to
// a project, and returns it.
func (m *Manager) Undo(ctx context.Context, projectID string) (*models.Action, error) {
	action, err := m.store.GetLastUndoable(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNothingToUndo
		}
		return nil, err
	}

	if err := m.applyInverse(ctx, action); err != nil {
		return nil, fmt.Errorf("undo %s %s on %s: %w", action.ActionType, action.EntityType, action.EntityID, err)
	}
	if err := m.store.SetActionUndone(ctx, action.ID, true); err != nil {
		return nil, err
	}
	action.Undone = true
	m.publish(eventbus.EventUndoPerformed, action)
	log.Printf("[Undo] reversed %s %s on %s", action.ActionType, action.EntityType, action.EntityID)
	return action, nil
}

// Redo re-applies the most recent undone action that has no newer
// non-undone action after it.
func (m *Manager) Redo(ctx context.Context, projectID string) (*models.Action, error) {
	action, err := m.store.GetLastRedoable(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNothingToRedo
		}
		return nil, err
	}

	if err := m.applyForward(ctx, action); err != nil {
		return nil, fmt.Errorf("redo %s %s on %s: %w", action.ActionType, action.EntityType, action.EntityID, err)
	}
	if err := m.store.SetActionUndone(ctx, action.ID, false); err != nil {
		return nil, err
	}
	action.Undone = false
	m.publish(eventbus.EventRedoPerformed, action)
	log.Printf("[Undo] re-applied %s %s on %s", action.ActionType, action.EntityType, action.EntityID)
	return action, nil
}

// History lists recent actions, newest first.
func (m *Manager) History(ctx context.Context, projectID string, limit int) ([]*models.Action, error) {
	return m.store.ActionHistory(ctx, projectID, limit)
}

// applyInverse maps (entity_type, action_type) to its inverse operation.
func (m *Manager) applyInverse(ctx context.Context, a *models.Action) error {
	switch a.EntityType {
	case models.EntityTypeTask:
		switch a.ActionType {
		case ActionCreate:
			return m.store.DeleteBead(ctx, a.EntityID)
		case ActionDelete:
			return m.restoreBead(ctx, a.PreviousState)
		case ActionUpdate, ActionStatusTask, ActionAssign:
			return m.restoreBead(ctx, a.PreviousState)
		}
	case models.EntityTypeWorker:
		switch a.ActionType {
		case ActionCreate:
			return m.store.DeleteWorker(ctx, a.EntityID)
		case ActionDelete:
			return m.restoreWorker(ctx, a.PreviousState)
		case ActionUpdate, ActionAssign:
			return m.restoreWorker(ctx, a.PreviousState)
		}
	case models.EntityTypeDependency:
		child, parent, err := dependencyPair(a)
		if err != nil {
			return err
		}
		switch a.ActionType {
		case ActionAddDep:
			return m.store.RemoveDependency(ctx, child, parent)
		case ActionRemoveDep:
			return m.store.AddDependency(ctx, child, parent)
		}
	}
	return fmt.Errorf("no inverse for %s on %s", a.ActionType, a.EntityType)
}

// applyForward re-applies the recorded new state.
func (m *Manager) applyForward(ctx context.Context, a *models.Action) error {
	switch a.EntityType {
	case models.EntityTypeTask:
		switch a.ActionType {
		case ActionCreate:
			return m.restoreBead(ctx, a.NewState)
		case ActionDelete:
			return m.store.DeleteBead(ctx, a.EntityID)
		case ActionUpdate, ActionStatusTask, ActionAssign:
			return m.restoreBead(ctx, a.NewState)
		}
	case models.EntityTypeWorker:
		switch a.ActionType {
		case ActionCreate:
			return m.restoreWorker(ctx, a.NewState)
		case ActionDelete:
			return m.store.DeleteWorker(ctx, a.EntityID)
		case ActionUpdate, ActionAssign:
			return m.restoreWorker(ctx, a.NewState)
		}
	case models.EntityTypeDependency:
		child, parent, err := dependencyPair(a)
		if err != nil {
			return err
		}
		switch a.ActionType {
		case ActionAddDep:
			return m.store.AddDependency(ctx, child, parent)
		case ActionRemoveDep:
			return m.store.RemoveDependency(ctx, child, parent)
		}
	}
	return fmt.Errorf("no forward application for %s on %s", a.ActionType, a.EntityType)
}

// restoreBead writes a snapshot back, recreating the row when it was
// deleted.
func (m *Manager) restoreBead(ctx context.Context, state string) error {
	var b models.Bead
	if err := json.Unmarshal([]byte(state), &b); err != nil {
		return fmt.Errorf("decode task snapshot: %w", err)
	}
	current, err := m.store.GetBead(ctx, b.ID)
	if errors.Is(err, store.ErrNotFound) {
		return m.store.CreateBead(ctx, &b)
	}
	if err != nil {
		return err
	}
	// Restore against the live row's version to satisfy optimistic
	// concurrency.
	b.UpdatedAt = current.UpdatedAt
	return m.store.UpdateBead(ctx, &b)
}

func (m *Manager) restoreWorker(ctx context.Context, state string) error {
	var w models.Worker
	if err := json.Unmarshal([]byte(state), &w); err != nil {
		return fmt.Errorf("decode worker snapshot: %w", err)
	}
	if _, err := m.store.GetWorker(ctx, w.ID); errors.Is(err, store.ErrNotFound) {
		return m.store.CreateWorker(ctx, &w)
	} else if err != nil {
		return err
	}
	return m.store.UpdateWorker(ctx, &w)
}

// dependencyPair decodes the (child, parent) pair from either snapshot.
func dependencyPair(a *models.Action) (string, string, error) {
	state := a.NewState
	if state == "" {
		state = a.PreviousState
	}
	var d models.Dependency
	if err := json.Unmarshal([]byte(state), &d); err != nil {
		return "", "", fmt.Errorf("decode dependency snapshot: %w", err)
	}
	if d.ChildID == "" || d.ParentID == "" {
		return "", "", fmt.Errorf("dependency snapshot missing ids")
	}
	return d.ChildID, d.ParentID, nil
}

func (m *Manager) publish(eventType eventbus.EventType, a *models.Action) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventType, a.ProjectID, map[string]any{"action": a})
}

func snapshot(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
