package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-repository/pkg/containment"
	"github.com/dd0wney/cluso-repository/pkg/health"
	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/lock"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
	"github.com/dd0wney/cluso-repository/pkg/session"
	"github.com/dd0wney/cluso-repository/pkg/transaction"
)

func newTestAPI(t *testing.T) *adminAPI {
	t.Helper()
	logger := logging.NewNopLogger()
	reg := metrics.NewRegistry()
	index := containment.NewMemoryIndex(containment.Options{Logger: logger, Metrics: reg})

	mgr, err := transaction.NewManager(transaction.Services{
		Containment: index,
		Sessions:    session.NewMemoryManager(logger),
		Locks:       lock.NewMemoryManager(logger, reg),
	}, transaction.Options{
		Retry:   &transaction.NoRetry,
		Logger:  logger,
		Metrics: reg,
	})
	require.NoError(t, err)

	checker := health.NewChecker(0)
	checker.Register("transactions", health.TransactionBacklogCheck(mgr.OpenCount, 0))
	return &adminAPI{mgr: mgr, index: index, checker: checker, metrics: reg, logger: logger}
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestTransactionsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	h := api.routes()

	open := api.mgr.Create()
	committed := api.mgr.Create()
	require.NoError(t, committed.Commit(context.Background()))

	rec := serve(t, h, http.MethodGet, "/transactions")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats transactionStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Registered)
	assert.Equal(t, 1, stats.Open)
	assert.True(t, open.IsOpen())
}

func TestCleanupRequiresPost(t *testing.T) {
	h := newTestAPI(t).routes()

	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodGet, "/transactions/cleanup").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/transactions/cleanup").Code)
}

func TestContainmentEndpoints(t *testing.T) {
	api := newTestAPI(t)
	h := api.routes()
	ctx := context.Background()

	parent := identifier.New("collection")
	tx := api.mgr.Create()
	for _, child := range []string{"collection/a", "collection/b", "collection/c"} {
		require.NoError(t, tx.AddContainedBy(ctx, parent, identifier.New(child)))
	}
	require.NoError(t, tx.Commit(ctx))

	tx = api.mgr.Create()
	require.NoError(t, tx.RemoveResource(ctx, identifier.New("collection/b")))
	require.NoError(t, tx.Commit(ctx))

	t.Run("Children", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/containment/children?id=collection")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp childrenResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, parent.FullID(), resp.Parent)
		assert.ElementsMatch(t, []string{
			identifier.New("collection/a").FullID(),
			identifier.New("collection/c").FullID(),
		}, resp.Children)
	})

	t.Run("DeletedChildren", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/containment/children?id=collection&deleted=true")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp childrenResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Deleted)
		assert.Equal(t, []string{identifier.New("collection/b").FullID()}, resp.Children)
	})

	t.Run("Parent", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/containment/parent?id=collection/a")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp parentResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, parent.FullID(), resp.Parent)
	})

	t.Run("UnknownParent", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/containment/parent?id=nowhere")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("MissingID", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/containment/children")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	api := newTestAPI(t)
	h := api.routes()

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/ready").Code)

	committed := api.mgr.Create()
	require.NoError(t, committed.Commit(context.Background()))

	rec := serve(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "transactions_total"),
		"metrics output should include the transaction counter")
}
