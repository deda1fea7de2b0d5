package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/roastfabric/kernel/pkg/database"
)

// GovernanceStore persists and mutates the single GovernanceState row. It
// satisfies command.GovernanceReader so the Command Proposal Service can
// consult the current whitelist and paused command types at proposal
// time.
type GovernanceStore struct {
	conn *database.Conn
}

// NewGovernanceStore creates a GovernanceStore over conn.
func NewGovernanceStore(conn *database.Conn) *GovernanceStore {
	return &GovernanceStore{conn: conn}
}

// Get returns the current governance state, creating the default L3 row
// (empty whitelist, phase start now) on first use.
func (s *GovernanceStore) Get(ctx context.Context) (*GovernanceState, error) {
	gs, err := getGovernanceState(ctx, s.conn)
	if err != nil {
		return nil, fmt.Errorf("reading governance state: %w", err)
	}
	if gs != nil {
		return gs, nil
	}

	var created *GovernanceState
	err = s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		existing, err := getGovernanceState(ctx, tx)
		if err != nil {
			return err
		}
		if existing != nil {
			created = existing
			return nil
		}
		created, err = insertDefaultGovernanceState(ctx, tx, time.Now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing governance state: %w", err)
	}
	return created, nil
}

// CommandWhitelist implements command.GovernanceReader.
func (s *GovernanceStore) CommandWhitelist(ctx context.Context) ([]string, error) {
	gs, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return gs.CommandWhitelist, nil
}

// IsCommandTypePaused implements command.GovernanceReader: a paused
// command type forces approval regardless of who proposed it.
func (s *GovernanceStore) IsCommandTypePaused(ctx context.Context, commandType string) (bool, error) {
	gs, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	for _, ct := range gs.PausedCommandTypes {
		if ct == commandType {
			return true, nil
		}
	}
	return false, nil
}

// RevertToL3 demotes the governance state to L3 with an empty whitelist
// and a fresh phase start, as triggered by a revert_to_l3 circuit breaker
// action.
func (s *GovernanceStore) RevertToL3(ctx context.Context, now time.Time) error {
	return s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		gs, err := getGovernanceState(ctx, tx)
		if err != nil {
			return err
		}
		if gs == nil {
			gs = &GovernanceState{PausedCommandTypes: []string{}}
		}
		gs.CurrentPhase = PhaseL3
		gs.PhaseStartDate = now
		gs.CommandWhitelist = []string{}
		gs.UpdatedAt = now
		return putGovernanceState(ctx, tx, gs)
	})
}

// PauseCommandType adds commandType to the paused set if not already
// present.
func (s *GovernanceStore) PauseCommandType(ctx context.Context, commandType string) error {
	return s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		gs, err := getGovernanceState(ctx, tx)
		if err != nil {
			return err
		}
		if gs == nil {
			gs, err = insertDefaultGovernanceState(ctx, tx, time.Now())
			if err != nil {
				return err
			}
		}
		for _, ct := range gs.PausedCommandTypes {
			if ct == commandType {
				return nil
			}
		}
		gs.PausedCommandTypes = append(gs.PausedCommandTypes, commandType)
		gs.UpdatedAt = time.Now()
		return putGovernanceState(ctx, tx, gs)
	})
}

// ApplyScopeExpansion advances the phase, appends addedCommandTypes to the
// whitelist, and records the expansion date, as invoked once a
// ScopeExpansionProposal is approved.
func (s *GovernanceStore) ApplyScopeExpansion(ctx context.Context, toPhase string, addedCommandTypes []string, now time.Time) error {
	return s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		gs, err := getGovernanceState(ctx, tx)
		if err != nil {
			return err
		}
		if gs == nil {
			gs, err = insertDefaultGovernanceState(ctx, tx, now)
			if err != nil {
				return err
			}
		}
		gs.CurrentPhase = toPhase
		gs.PhaseStartDate = now
		gs.LastExpansionDate = now
		gs.UpdatedAt = now
		for _, ct := range addedCommandTypes {
			if !contains(gs.CommandWhitelist, ct) {
				gs.CommandWhitelist = append(gs.CommandWhitelist, ct)
			}
		}
		return putGovernanceState(ctx, tx, gs)
	})
}

// RecordReportRun stamps last_report_date, used by the weekly scope
// expansion cycle to decide whether it is due.
func (s *GovernanceStore) RecordReportRun(ctx context.Context, now time.Time) error {
	return s.conn.WithTransaction(ctx, func(tx database.Tx) error {
		gs, err := getGovernanceState(ctx, tx)
		if err != nil {
			return err
		}
		if gs == nil {
			gs, err = insertDefaultGovernanceState(ctx, tx, now)
			if err != nil {
				return err
			}
		}
		gs.LastReportDate = now
		gs.UpdatedAt = now
		return putGovernanceState(ctx, tx, gs)
	})
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
