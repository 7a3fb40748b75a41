package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/queuestore"
)

func testServer(t *testing.T) (*httptest.Server, queuestore.Store) {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := queuestore.Open(logger, t.TempDir(), false, 3, 60*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	handler := New(store, logger)
	mux := http.NewServeMux()
	handler.Mount(mux, "/api/status")

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestGetJob_ReturnsJobByID(t *testing.T) {
	srv, store := testServer(t)
	job, err := store.Enqueue(context.Background(), "corr-1", map[string]interface{}{"x": 1})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/status/jobs/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got jobView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "corr-1", got.CorrelationKey)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestGetJob_UnknownIDReturns404(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/api/status/jobs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetJobByCorrelationKey(t *testing.T) {
	srv, store := testServer(t)
	job, err := store.Enqueue(context.Background(), "corr-lookup", nil)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/status/jobs/by-correlation-key/corr-lookup")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got jobView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job.ID, got.ID)
}

func TestListJobs_FiltersByStatusAndPaginates(t *testing.T) {
	srv, store := testServer(t)
	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(context.Background(), "corr-list-"+string(rune('a'+i)), nil)
		require.NoError(t, err)
	}
	claimed, err := store.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Complete(context.Background(), claimed.ID))

	resp, err := http.Get(srv.URL + "/api/status/jobs?status=pending&limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Jobs  []jobView `json:"jobs"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	for _, j := range body.Jobs {
		assert.Equal(t, models.StatusPending, j.Status)
	}
}

func TestCountByStatus(t *testing.T) {
	srv, store := testServer(t)
	_, err := store.Enqueue(context.Background(), "corr-count", nil)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/status/counts")
	require.NoError(t, err)
	defer resp.Body.Close()

	var counts map[models.Status]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counts))
	assert.Equal(t, 1, counts[models.StatusPending])
}

func TestGetJob_RoutesCorrectlyWhenMultiplePortalsShareOneMux(t *testing.T) {
	logger := arbor.NewLogger()
	storeA, err := queuestore.Open(logger, t.TempDir(), false, 3, 60*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeA.Close() })
	storeB, err := queuestore.Open(logger, t.TempDir(), false, 3, 60*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeB.Close() })

	mux := http.NewServeMux()
	New(storeA, logger).Mount(mux, "/api/status/portal-a")
	New(storeB, logger).Mount(mux, "/api/status/portal-b")

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	jobA, err := storeA.Enqueue(context.Background(), "corr-a", nil)
	require.NoError(t, err)
	jobB, err := storeB.Enqueue(context.Background(), "corr-b", nil)
	require.NoError(t, err)

	respA, err := http.Get(srv.URL + "/api/status/portal-a/jobs/" + jobA.ID)
	require.NoError(t, err)
	defer respA.Body.Close()
	require.Equal(t, http.StatusOK, respA.StatusCode)
	var gotA jobView
	require.NoError(t, json.NewDecoder(respA.Body).Decode(&gotA))
	assert.Equal(t, jobA.ID, gotA.ID)

	respB, err := http.Get(srv.URL + "/api/status/portal-b/jobs/by-correlation-key/corr-b")
	require.NoError(t, err)
	defer respB.Body.Close()
	require.Equal(t, http.StatusOK, respB.StatusCode)
	var gotB jobView
	require.NoError(t, json.NewDecoder(respB.Body).Decode(&gotB))
	assert.Equal(t, jobB.ID, gotB.ID)

	// A lookup in the wrong portal's queue must 404, not silently route
	// through a miscomputed offset into the wrong store.
	crossResp, err := http.Get(srv.URL + "/api/status/portal-a/jobs/" + jobB.ID)
	require.NoError(t, err)
	defer crossResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, crossResp.StatusCode)
}

func TestStatusAPI_NeverMutatesQueueState(t *testing.T) {
	srv, store := testServer(t)
	job, err := store.Enqueue(context.Background(), "corr-readonly", nil)
	require.NoError(t, err)

	_, err = http.Get(srv.URL + "/api/status/jobs/" + job.ID)
	require.NoError(t, err)
	_, err = http.Get(srv.URL + "/api/status/jobs")
	require.NoError(t, err)
	_, err = http.Get(srv.URL + "/api/status/counts")
	require.NoError(t, err)

	got, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status, "status API reads must never change job status")
	assert.Equal(t, 0, got.Attempts)
}
