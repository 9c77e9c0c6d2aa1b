// Package flow implements FitRelay's conversational flows and the state
// management backing them.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/store"
)

// StateManager manages per-participant flow state.
type StateManager interface {
	GetCurrentState(ctx context.Context, participantID, flowType string) (string, error)
	SetCurrentState(ctx context.Context, participantID, flowType, state string) error
	GetStateData(ctx context.Context, participantID, flowType, key string) (string, error)
	SetStateData(ctx context.Context, participantID, flowType, key, value string) error
	ResetState(ctx context.Context, participantID, flowType string) error
}

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	return &StoreBasedStateManager{store: st}
}

// GetCurrentState retrieves the current state for a participant in a flow.
// Returns "" when the participant has no state yet.
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, participantID, flowType string) (string, error) {
	flowState, err := sm.store.GetFlowState(participantID, flowType)
	if err != nil {
		slog.Error("StateManager GetCurrentState error", "error", err, "participantID", participantID, "flowType", flowType)
		return "", err
	}
	if flowState == nil {
		return "", nil
	}
	return flowState.CurrentState, nil
}

// SetCurrentState updates the current state for a participant in a flow,
// creating the flow state when none exists.
func (sm *StoreBasedStateManager) SetCurrentState(ctx context.Context, participantID, flowType, state string) error {
	flowState, err := sm.store.GetFlowState(participantID, flowType)
	if err != nil {
		slog.Error("StateManager SetCurrentState get error", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}

	now := time.Now()
	if flowState == nil {
		flowState = &models.FlowState{
			ParticipantID: participantID,
			FlowType:      flowType,
			CurrentState:  state,
			StateData:     make(map[string]string),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	} else {
		flowState.CurrentState = state
		flowState.UpdatedAt = now
	}

	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager SetCurrentState save error", "error", err, "participantID", participantID, "flowType", flowType, "state", state)
		return err
	}
	slog.Debug("StateManager SetCurrentState succeeded", "participantID", participantID, "flowType", flowType, "state", state)
	return nil
}

// GetStateData retrieves a value from the participant's state data.
// Returns "" when the key or the flow state does not exist.
func (sm *StoreBasedStateManager) GetStateData(ctx context.Context, participantID, flowType, key string) (string, error) {
	flowState, err := sm.store.GetFlowState(participantID, flowType)
	if err != nil {
		slog.Error("StateManager GetStateData error", "error", err, "participantID", participantID, "flowType", flowType, "key", key)
		return "", err
	}
	if flowState == nil || flowState.StateData == nil {
		return "", nil
	}
	return flowState.StateData[key], nil
}

// SetStateData stores a value in the participant's state data, creating the
// flow state when none exists.
func (sm *StoreBasedStateManager) SetStateData(ctx context.Context, participantID, flowType, key, value string) error {
	flowState, err := sm.store.GetFlowState(participantID, flowType)
	if err != nil {
		slog.Error("StateManager SetStateData get error", "error", err, "participantID", participantID, "flowType", flowType, "key", key)
		return err
	}

	now := time.Now()
	if flowState == nil {
		flowState = &models.FlowState{
			ParticipantID: participantID,
			FlowType:      flowType,
			StateData:     map[string]string{key: value},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	} else {
		if flowState.StateData == nil {
			flowState.StateData = make(map[string]string)
		}
		flowState.StateData[key] = value
		flowState.UpdatedAt = now
	}

	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager SetStateData save error", "error", err, "participantID", participantID, "flowType", flowType, "key", key)
		return err
	}
	return nil
}

// ResetState removes all state for a participant in a flow.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, participantID, flowType string) error {
	if err := sm.store.DeleteFlowState(participantID, flowType); err != nil {
		slog.Error("StateManager ResetState error", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}
	slog.Debug("StateManager ResetState succeeded", "participantID", participantID, "flowType", flowType)
	return nil
}
