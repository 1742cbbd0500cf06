package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.HandlerFunc, method string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, "/healthz", nil)
	w := httptest.NewRecorder()
	h(w, req)

	var resp Response
	if method != http.MethodHead {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHandlerReturnsStatusOK(t *testing.T) {
	w, _ := serve(t, Handler("openvz", nil), http.MethodGet)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	_, resp := serve(t, Handler("docker", nil), http.MethodGet)

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "vmworker", resp.ServiceName)
	assert.Equal(t, "docker", resp.Engine)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotNil(t, resp.Slots)
	assert.Empty(t, resp.Slots)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandlerReportsSlots(t *testing.T) {
	slots := func() []Slot {
		return []Slot{
			{Machine: "travis-1", State: "running", Snapshot: true, Job: "1001"},
			{Machine: "travis-2", State: "stopped", Snapshot: true},
		}
	}
	_, resp := serve(t, Handler("openvz", slots), http.MethodGet)

	require.Len(t, resp.Slots, 2)
	assert.Equal(t, 1, resp.Busy)
	assert.Equal(t, "1001", resp.Slots[0].Job)
	assert.Equal(t, "stopped", resp.Slots[1].State)
}

func TestHandlerAnyMethod(t *testing.T) {
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		t.Run(m, func(t *testing.T) {
			w, _ := serve(t, Handler("gcp", nil), m)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}
