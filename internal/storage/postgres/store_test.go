package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

var started = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, schema, 6+2*len(factTables))
}

func TestCreateRun(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s, err := NewRunStore(mock)
	require.NoError(t, err)

	run := crawler.PipelineRun{ID: "r1", StartedAt: started, Metadata: crawler.RunMetadata{Mode: crawler.ModeFull}}
	mock.ExpectExec("INSERT INTO runs").
		WithArgs("r1", started, crawler.StatusRunning, 0, 0, 0, 0,
			[]byte(`[]`), []byte(`[]`), []byte(`{"mode":"full"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.CreateRun(context.Background(), run))

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "runs_single_running"})
	run.ID = "r2"
	require.ErrorIs(t, s.CreateRun(context.Background(), run), store.ErrRunInProgress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunTransitions(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s, err := NewRunStore(mock)
	require.NoError(t, err)
	ctx := context.Background()
	at := started.Add(time.Hour)

	mock.ExpectExec("UPDATE runs").WithArgs("r1", crawler.StatusCompleted, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.FinishRun(ctx, "r1", crawler.StatusCompleted, at))

	mock.ExpectExec("UPDATE runs").WithArgs("r1", crawler.StatusFailed, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM runs").WithArgs("r1").
		WillReturnRows(mock.NewRows([]string{"status"}).AddRow("completed"))
	require.ErrorIs(t, s.FinishRun(ctx, "r1", crawler.StatusFailed, at), store.ErrInvalidTransition)

	mock.ExpectExec("UPDATE runs").WithArgs("nope", crawler.StatusFailed, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM runs").WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	require.ErrorIs(t, s.FinishRun(ctx, "nope", crawler.StatusFailed, at), store.ErrNotFound)

	require.ErrorIs(t, s.FinishRun(ctx, "r1", crawler.StatusRunning, at), store.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func runRow(mock pgxmock.PgxPoolIface, id string, finished *time.Time, status string) *pgxmock.Rows {
	return mock.NewRows(runColumns).AddRow(
		id, started, finished, status, 10, 4, 4, 1,
		[]byte(`["scrape:policy"]`),
		[]byte(`[{"stage":"scrape","source":"s1","message":"boom","at":"2024-05-10T08:00:00Z"}]`),
		[]byte(`{"mode":"targeted","categories":["policy"]}`),
	)
}

func TestGetRunDecodesColumns(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s, err := NewRunStore(mock)
	require.NoError(t, err)
	finished := started.Add(time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE run_id").WithArgs("r1").
		WillReturnRows(runRow(mock, "r1", &finished, "completed"))
	run, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCompleted, run.Status)
	require.Equal(t, crawler.RunCounters{Scraped: 10, Filtered: 4, Stored: 4, SourcesFailed: 1}, run.Counters)
	require.Equal(t, []string{"scrape:policy"}, run.CompletedStages)
	require.Len(t, run.Errors, 1)
	require.Equal(t, "s1", run.Errors[0].Source)
	require.Equal(t, crawler.ModeTargeted, run.Metadata.Mode)
	require.True(t, run.FinishedAt.Equal(finished))

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE run_id").WithArgs("r9").WillReturnError(pgx.ErrNoRows)
	_, err = s.GetRun(context.Background(), "r9")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAndLatestRuns(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s, err := NewRunStore(mock)
	require.NoError(t, err)
	ctx := context.Background()
	finished := started.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM runs ORDER BY started_at DESC LIMIT 2 OFFSET 1")).
		WillReturnRows(runRow(mock, "r1", &finished, "completed"))
	runs, err := s.ListRuns(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	running := crawler.StatusRunning
	mock.ExpectQuery(regexp.QuoteMeta("FROM runs WHERE status = $1 ORDER BY started_at DESC LIMIT 1")).
		WithArgs("running").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.LatestRun(ctx, &running)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStageNeverOverwritesCompleted(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s, err := NewRunStore(mock)
	require.NoError(t, err)
	done := started.Add(time.Minute)
	rec := crawler.StageRecord{
		RunID: "r1", Stage: crawler.StageFilter, Category: "policy", Status: crawler.StatusCompleted,
		StartedAt: started, CompletedAt: &done, OutputPath: "runs/r1/policy/filtered.json", Items: 4,
	}

	mock.ExpectExec(regexp.QuoteMeta("WHERE stage_records.status <> 'completed'")).
		WithArgs("r1", crawler.StageFilter, "policy", crawler.StatusCompleted, started, &done, "", rec.OutputPath, 4).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.UpsertStage(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestCompletedStage(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s, err := NewRunStore(mock)
	require.NoError(t, err)
	done := started.Add(time.Minute)

	mock.ExpectQuery("FROM stage_records WHERE (.+) ORDER BY completed_at DESC LIMIT 1").
		WithArgs("policy", "filter", "completed").
		WillReturnRows(mock.NewRows(stageColumns).AddRow(
			"r1", "filter", "policy", "completed", started, &done, "", "runs/r1/policy/filtered.json", 4))
	rec, err := s.LatestCompletedStage(context.Background(), crawler.StageFilter, "policy")
	require.NoError(t, err)
	require.Equal(t, crawler.StageFilter, rec.Stage)
	require.Equal(t, "runs/r1/policy/filtered.json", rec.OutputPath)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreQueries(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	s, err := NewCacheStore(mock)
	require.NoError(t, err)
	ctx := context.Background()
	now := started

	mock.ExpectQuery("FROM dedup_urls WHERE key").WithArgs("https://a.gov/1").WillReturnError(pgx.ErrNoRows)
	_, err = s.GetFact(ctx, crawler.FactURL, "https://a.gov/1")
	require.ErrorIs(t, err, store.ErrNotFound)

	entry := crawler.CacheEntry{
		Kind: crawler.FactTitle, Key: "k", SourceName: "s", Title: "T", Origin: "r1|policy", Attempt: "a1",
		FirstSeen: now, LastSeen: now, ExpiresAt: now.Add(time.Hour),
	}
	mock.ExpectExec("INSERT INTO dedup_titles").
		WithArgs("k", "s", "T", "r1|policy", "a1", now, now, now.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.PutFact(ctx, entry))

	mock.ExpectExec("UPDATE dedup_hashes SET last_seen = GREATEST").WithArgs("h", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, s.TouchFact(ctx, crawler.FactContent, "h", now), store.ErrNotFound)

	for i, table := range []string{"dedup_urls", "dedup_hashes", "dedup_titles"} {
		mock.ExpectExec("DELETE FROM " + table).WithArgs(now).
			WillReturnResult(pgxmock.NewResult("DELETE", int64(i)))
	}
	n, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	for i, table := range []string{"dedup_urls", "dedup_hashes", "dedup_titles"} {
		mock.ExpectQuery("SELECT count(.+) FROM " + table).WithArgs(now).
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(i + 1)))
	}
	counts, err := s.CountFacts(ctx, now)
	require.NoError(t, err)
	require.Equal(t, map[crawler.FactKind]int64{crawler.FactURL: 1, crawler.FactContent: 2, crawler.FactTitle: 3}, counts)

	mock.ExpectQuery("SELECT key FROM dedup_urls").WithArgs(now).
		WillReturnRows(mock.NewRows([]string{"key"}).AddRow("a").AddRow("b"))
	var keys []string
	require.NoError(t, s.ScanKeys(ctx, crawler.FactURL, now, func(k string) error {
		keys = append(keys, k)
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, keys)

	_, err = s.GetFact(ctx, crawler.FactKind("bogus"), "x")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
