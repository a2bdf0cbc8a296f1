package gormstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// statementRecorder captures the SQL gorm renders so statements can be
// inspected without a live server.
type statementRecorder struct {
	statements []string
}

func (recorder *statementRecorder) LogMode(logger.LogLevel) logger.Interface { return recorder }

func (recorder *statementRecorder) Info(context.Context, string, ...interface{}) {}

func (recorder *statementRecorder) Warn(context.Context, string, ...interface{}) {}

func (recorder *statementRecorder) Error(context.Context, string, ...interface{}) {}

func (recorder *statementRecorder) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	statement, _ := fc()
	recorder.statements = append(recorder.statements, statement)
}

func newDryRunPostgresStore(test *testing.T, recorder *statementRecorder) *Store {
	test.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "postgres://localhost/creditengine"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               recorder,
	})
	if err != nil {
		test.Fatalf("open dry-run postgres: %v", err)
	}
	return New(db)
}

func TestLockAccountTakesAdvisoryLockOnPostgres(test *testing.T) {
	test.Parallel()
	recorder := &statementRecorder{}
	store := newDryRunPostgresStore(test, recorder)
	accountID := mustAccountID(test, "tenant-racing")

	// The lock must key the account id, not the account row: a consume
	// racing the account's first recharge sees no row yet, and a row lock
	// taken on a missing row excludes nobody.
	if err := store.lockAccount(context.Background(), accountID); err != nil {
		test.Fatalf("lock account: %v", err)
	}

	var lockStatement string
	for _, statement := range recorder.statements {
		if strings.Contains(statement, "pg_advisory_xact_lock") {
			lockStatement = statement
			break
		}
	}
	if lockStatement == "" {
		test.Fatalf("expected an advisory lock statement, recorded %v", recorder.statements)
	}
	if !strings.Contains(lockStatement, "hashtext") {
		test.Fatalf("advisory lock must hash the account id, got %q", lockStatement)
	}
	if !strings.Contains(lockStatement, "tenant-racing") {
		test.Fatalf("advisory lock must key the account id, got %q", lockStatement)
	}
}

func TestLockAccountIsNoopOnSQLite(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	if err := store.lockAccount(context.Background(), mustAccountID(test, "tenant-1")); err != nil {
		test.Fatalf("lock account on sqlite: %v", err)
	}
}
