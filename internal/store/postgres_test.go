package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapeval-cli/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresWithPool(mock), mock
}

func TestPostgresCreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs("run-1", "/tmp/runs/run-1", pgxmock.AnyArg(), "running", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateRun(context.Background(), &model.Run{
		ID:     "run-1",
		Dir:    "/tmp/runs/run-1",
		Config: model.RunConfig{Provider: model.ProviderAnthropic, Model: "claude-haiku-4-5"},
		Status: model.RunStatusRunning,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRunNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, dir, config, status, summary, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, model.ErrRunNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cfg, err := json.Marshal(model.RunConfig{Provider: model.ProviderOpenAI, Model: "gpt-4o-mini", Tier: model.TierComplex})
	require.NoError(t, err)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"id", "dir", "config", "status", "summary", "created_at", "updated_at"}).
		AddRow("run-2", "/tmp/runs/run-2", cfg, model.RunStatusComplete, []byte(`{"samples":{}}`), now, now)

	mock.ExpectQuery(`SELECT id, dir, config, status, summary, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("run-2").
		WillReturnRows(rows)

	got, err := s.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderOpenAI, got.Config.Provider)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.JSONEq(t, `{"samples":{}}`, string(got.Summary))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRunStatusNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs("failed", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing", model.RunStatusFailed)
	require.ErrorIs(t, err, model.ErrRunNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRunSummary(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	summary := json.RawMessage(`{"attempts":{"total":90}}`)
	mock.ExpectExec(`UPDATE runs SET summary`).
		WithArgs(summary, pgxmock.AnyArg(), "run-3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateRunSummary(context.Background(), "run-3", summary))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cfg, err := json.Marshal(model.RunConfig{Provider: model.ProviderOllama, Tier: model.TierSimple})
	require.NoError(t, err)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{"id", "dir", "config", "status", "summary", "created_at", "updated_at"}).
		AddRow("run-a", "/tmp/a", cfg, model.RunStatusComplete, []byte(nil), now, now).
		AddRow("run-b", "/tmp/b", cfg, model.RunStatusComplete, []byte(nil), now.Add(-time.Hour), now)

	mock.ExpectQuery(`SELECT .* FROM runs WHERE 1=1 AND status = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("complete", 100).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-a", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
