package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errbot/internal/pipeline"
	rtsup "errbot/internal/runtime/supervisor"
	"errbot/internal/storage"
	logx "errbot/pkg/logx"
)

type fakePipeline struct {
	recs []pipeline.ErrorRecord
}

func (f fakePipeline) Stats() pipeline.Stats {
	return pipeline.Stats{TotalSignatures: len(f.recs), Sent: 7}
}

func (f fakePipeline) Top(n int) []pipeline.ErrorRecord {
	if n < len(f.recs) {
		return f.recs[:n]
	}
	return f.recs
}

func (f fakePipeline) Record(sig string) (pipeline.ErrorRecord, bool) {
	for _, r := range f.recs {
		if r.Signature == sig {
			return r, true
		}
	}
	return pipeline.ErrorRecord{}, false
}

type fakeDeliveries struct{ limit int }

func (f *fakeDeliveries) RecentDeliveries(_ context.Context, limit int) ([]storage.DeliveryRow, error) {
	f.limit = limit
	return []storage.DeliveryRow{{ID: "d1", Delivery: pipeline.Delivery{Signature: "NETWORK:1", Result: "sent"}}}, nil
}

func newTestService(token string) (*Service, *fakeDeliveries) {
	d := &fakeDeliveries{}
	reg := rtsup.NewRegistry()
	reg.Set("pipeline", rtsup.NewSupervisor(context.Background()))
	src := Sources{
		Pipeline: fakePipeline{recs: []pipeline.ErrorRecord{
			{Signature: "NETWORK:1", Category: pipeline.CategoryNetwork, Count: 12, Tier: pipeline.TierCritical},
			{Signature: "GENERAL:2", Category: pipeline.CategoryGeneral, Count: 1},
		}},
		Deliveries:  d,
		Supervisors: reg,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	}
	return New(Config{Token: token}, src, logx.Nop()), d
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzIsPublic(t *testing.T) {
	s, _ := newTestService("secret")
	rr := get(t, s.Handler(), "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestTokenRequired(t *testing.T) {
	s, _ := newTestService("secret")
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/stats", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/stats", "wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/stats", "secret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/stats?token=secret", "").Code)
}

func TestStatsAndErrors(t *testing.T) {
	s, _ := newTestService("")
	h := s.Handler()

	var st pipeline.Stats
	require.NoError(t, json.Unmarshal(get(t, h, "/stats", "").Body.Bytes(), &st))
	assert.Equal(t, 2, st.TotalSignatures)
	assert.Equal(t, uint64(7), st.Sent)

	var recs []pipeline.ErrorRecord
	require.NoError(t, json.Unmarshal(get(t, h, "/errors?n=1", "").Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "NETWORK:1", recs[0].Signature)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/errors?n=abc", "").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/errors/NOPE:0", "").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/errors/GENERAL:2", "").Code)
}

func TestDeliveriesClampsLimit(t *testing.T) {
	s, d := newTestService("")
	rr := get(t, s.Handler(), "/deliveries?limit=99999", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1000, d.limit)

	var rows []storage.DeliveryRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "d1", rows[0].ID)
}

func TestSupervisorsMetricsAndPprof(t *testing.T) {
	s, _ := newTestService("")
	h := s.Handler()

	rr := get(t, h, "/supervisors", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var snaps map[string]rtsup.SupervisorSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snaps))
	assert.Contains(t, snaps, "pipeline")

	assert.Equal(t, "# metrics", get(t, h, "/metrics", "").Body.String())
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/goroutine?debug=1", "").Code)
}

func TestStartRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		sup := s.Supervisor()
		return sup != nil && sup.Err() != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Addr())
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
	assert.Nil(t, s.Supervisor())
}
