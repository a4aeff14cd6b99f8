package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"wellcall-backend/internal/repository/cockroach"
	"wellcall-backend/internal/repository/memory"
	callService "wellcall-backend/internal/service/call"
	"wellcall-backend/pkg/database"
	"wellcall-backend/pkg/logger"
)

// ledger bundles the stores behind the coordinator. db is nil in limited mode.
type ledger struct {
	calls         callService.CallRepository
	mailbox       callService.SignalMailbox
	relationships callService.RelationshipChecker
	participants  callService.ParticipantDirectory

	db *database.CockroachDB
}

type (
	connectFunc func(ctx context.Context) (*database.CockroachDB, error)
	migrateFunc func(ctx context.Context, pool *pgxpool.Pool) error
)

// openLedger returns the SQL stores. Outside production, a database that
// cannot be reached or migrated is closed and the in-memory store is used.
func openLedger(ctx context.Context, production bool, connect connectFunc, migrate migrateFunc) (*ledger, error) {
	db, err := connect(ctx)
	if err == nil {
		if err = migrate(ctx, db.Pool); err != nil {
			db.Close()
		}
	}

	if err != nil {
		if production {
			return nil, fmt.Errorf("CockroachDB is required in production: %w", err)
		}
		logger.Warn("Running in limited mode with an in-memory call ledger", zap.Error(err))
		store := memory.NewStore()
		return &ledger{calls: store, mailbox: store, relationships: store, participants: store}, nil
	}

	logger.Info("Connected to CockroachDB")
	return &ledger{
		calls:         cockroach.NewCallRepository(db.Pool),
		mailbox:       cockroach.NewSignalRepository(db.Pool),
		relationships: cockroach.NewRelationshipRepository(db.Pool),
		participants:  cockroach.NewParticipantRepository(db.Pool),
		db:            db,
	}, nil
}

func (l *ledger) limited() bool {
	return l.db == nil
}

// Close releases the connection pool, if any
func (l *ledger) Close() {
	if l.db != nil {
		l.db.Close()
	}
}

type stopper interface {
	Stop()
}

type waiter interface {
	Wait()
}

// drain stops the reaper before waiting for notifications, so no reaper pass
// can start a missed-call notification that Wait would not see.
func drain(reaper stopper, notifications waiter) {
	reaper.Stop()
	notifications.Wait()
}
