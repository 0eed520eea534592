// Package recovery restores in-flight state when IndicatorPipe restarts.
//
// Components register a Recoverable; RecoverAll runs each one in order at
// startup and keeps going past failures so one broken component does not keep
// the others from coming back.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

type recoverFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (r recoverFunc) Name() string                           { return r.name }
func (r recoverFunc) RecoverState(ctx context.Context) error { return r.fn(ctx) }

// Func adapts a plain function to Recoverable.
func Func(name string, fn func(ctx context.Context) error) Recoverable {
	return recoverFunc{name: name, fn: fn}
}

// SessionLoader opens a user's live session.
type SessionLoader interface {
	Acquire(ctx context.Context, userID string) (*memory.Graph, func(), error)
}

// PendingSessions reloads every stored user whose working memory still holds
// an unfinished goal, so the next turn of that user continues where it left off.
type PendingSessions struct {
	Store    store.Store
	Sessions SessionLoader
}

// Name implements Recoverable.
func (p PendingSessions) Name() string { return "pending-sessions" }

// RecoverState implements Recoverable.
func (p PendingSessions) RecoverState(ctx context.Context) error {
	users, err := p.Store.ListGraphUsers()
	if err != nil {
		return fmt.Errorf("failed to list stored users: %w", err)
	}

	warmed := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, err := p.Store.GetGraph(userID)
		if err != nil {
			slog.Error("PendingSessions.RecoverState: failed to read graph", "userID", userID, "error", err)
			continue
		}
		if g == nil || g.WorkingMemory.IsEmpty() {
			continue
		}
		_, release, err := p.Sessions.Acquire(ctx, userID)
		if err != nil {
			slog.Error("PendingSessions.RecoverState: failed to open session", "userID", userID, "error", err)
			continue
		}
		release()
		warmed++
		slog.Debug("PendingSessions.RecoverState: session restored", "userID", userID, "goal", g.WorkingMemory.MainGoal)
	}
	slog.Info("PendingSessions.RecoverState: done", "stored", len(users), "restored", warmed)
	return nil
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", recoverable.Name())
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}
