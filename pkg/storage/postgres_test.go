package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newPostgresStoreWithDB(db), mock
}

func TestClaimRolloutWinsRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE rollouts").
		WithArgs("r1", "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ClaimRollout(context.Background(), "r1", "worker-a"); err != nil {
		t.Errorf("Expected claim to succeed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimRolloutConflict(t *testing.T) {
	store, mock := newMockStore(t)

	// The conditional UPDATE touches zero rows when another worker holds
	// the claim.
	mock.ExpectExec("UPDATE rollouts").
		WithArgs("r1", "worker-b").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.ClaimRollout(context.Background(), "r1", "worker-b")
	if !errors.Is(err, ErrClaimConflict) {
		t.Errorf("Expected ErrClaimConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTryAcquireBudgetRateLimited(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("prod").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO investigation_starts").
		WithArgs("prod", "payments", now, 5, 20).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.TryAcquireBudget(context.Background(), "prod", "payments", 5, 20, now)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTryAcquireBudgetUnderLimit(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("prod").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO investigation_starts").
		WithArgs("prod", "payments", now, 5, 20).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.TryAcquireBudget(context.Background(), "prod", "payments", 5, 20, now); err != nil {
		t.Errorf("Expected acquire to succeed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpdateRolloutStatusGuardsTerminal(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	// Zero rows affected (terminal or unchanged) is a silent no-op, per
	// the at-least-once delivery model built on idempotent transitions.
	mock.ExpectExec("UPDATE rollouts").
		WithArgs("r1", models.RolloutFailed, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpdateRolloutStatus(context.Background(), "r1", models.RolloutFailed, now); err != nil {
		t.Errorf("Expected no-op update to return nil, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetRolloutScansAllFields(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Now().UTC().Add(-time.Hour)
	failed := started.Add(10 * time.Minute)

	columns := []string{
		"id", "cluster", "namespace", "deployment", "generation", "status", "origin",
		"started_at", "completed_at", "failed_at", "metadata", "team", "slack_channel",
		"diagnosis_id", "analysis_status", "notify_status", "claimed_by",
	}
	mock.ExpectQuery("SELECT (.+) FROM rollouts WHERE id").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"r1", "prod", "payments", "api", 4, "FAILED", "cluster",
			started, nil, failed, []byte(`{"slack-channel":"#payments-alerts"}`),
			"payments-team", "#payments-alerts", nil, "NONE", "PENDING", nil,
		))

	r, err := store.GetRollout(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRollout failed: %v", err)
	}
	if r.Status != models.RolloutFailed {
		t.Errorf("Expected status FAILED, got %s", r.Status)
	}
	if r.FailedAt == nil || !r.FailedAt.Equal(failed) {
		t.Errorf("Expected failed_at %v, got %v", failed, r.FailedAt)
	}
	if r.Metadata["slack-channel"] != "#payments-alerts" {
		t.Errorf("Expected metadata decoded, got %v", r.Metadata)
	}
	if r.SlackChannel != "#payments-alerts" {
		t.Errorf("Expected slack channel scanned, got %q", r.SlackChannel)
	}
}

func TestGetDiagnosisNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM diagnoses").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetDiagnosis(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
