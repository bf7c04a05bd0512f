package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/config"
	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/normalize"
	"github.com/JakeFAU/org-harvester/internal/storage/memory"
)

type fakeHarvester struct {
	mu    sync.Mutex
	runs  []string
	panic bool
}

func (f *fakeHarvester) Run(_ context.Context, org harvest.Organization) []harvest.Record {
	if f.panic {
		panic("boom")
	}
	f.mu.Lock()
	f.runs = append(f.runs, org.Name)
	f.mu.Unlock()
	if len(org.Press) == 0 {
		return []harvest.Record{}
	}
	name := normalize.Organization(org.Name)
	return []harvest.Record{{
		Source:       harvest.ChannelPressRelease,
		Organization: name,
		Title:        name + " update",
		URL:          org.Press[0],
	}}
}

func (f *fakeHarvester) RunAll(ctx context.Context, orgs []harvest.Organization) []harvest.Harvest {
	out := make([]harvest.Harvest, 0, len(orgs))
	for _, org := range orgs {
		name := normalize.Organization(org.Name)
		out = append(out, harvest.Harvest{Organization: name, Slug: normalize.Slug(name), Records: f.Run(ctx, org)})
	}
	return out
}

type fakeSink struct {
	receipts *memory.ReceiptStore
	err      error
	got      []harvest.Harvest
}

func (f *fakeSink) Deliver(ctx context.Context, harvests []harvest.Harvest) (harvest.Receipt, error) {
	f.got = harvests
	if f.err != nil {
		return harvest.Receipt{}, f.err
	}
	r := harvest.Receipt{RunID: "run-1", HarvestedAt: time.Unix(100, 0).UTC()}
	for _, h := range harvests {
		r.Objects = append(r.Objects, harvest.Object{Slug: h.Slug, URI: "memory://" + h.Slug, Records: len(h.Records)})
		r.Records += len(h.Records)
	}
	if f.receipts != nil {
		_ = f.receipts.SaveReceipt(ctx, r)
	}
	return r, nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeout: time.Minute},
		Organizations: []harvest.Organization{
			{Name: "blackrock", Press: []string{"https://x.example.com/press"}, Video: []string{"blackrock"}},
			{Name: "jpmorgan"},
		},
	}
}

func serve(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHarvester{}, nil, nil, testConfig(), zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(headerRequestID))

	rec = serve(t, s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready","organizations":2}`, rec.Body.String())

	empty := NewServer(&fakeHarvester{}, nil, nil, config.Config{}, zap.NewNop())
	rec = serve(t, empty, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHarvester{}, nil, nil, testConfig(), zap.NewNop())
	serve(t, s, http.MethodGet, "/healthz", "", nil)
	rec := serve(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestListOrganizations(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHarvester{}, nil, nil, testConfig(), zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/v1/organizations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[
		{"slug":"blackrock","name":"BlackRock","channels":["press_release","youtube"]},
		{"slug":"j_p_morgan_asset_management","name":"J.P. Morgan Asset Management","channels":[]}
	]`, rec.Body.String())
}

func TestOrganizationRecords(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{}
	s := NewServer(h, nil, nil, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/organizations/blackrock/records", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []harvest.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, "BlackRock", records[0].Organization)

	rec = serve(t, s, http.MethodGet, "/v1/organizations/j_p_morgan_asset_management/records", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec = serve(t, s, http.MethodGet, "/v1/organizations/acme/records", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"unknown organization: acme"}`, rec.Body.String())
	require.Equal(t, []string{"blackrock", "jpmorgan"}, h.runs)
}

func TestRunHarvestDeliversAndRecordsReceipt(t *testing.T) {
	t.Parallel()

	receipts := memory.NewReceiptStore()
	sink := &fakeSink{receipts: receipts}
	s := NewServer(&fakeHarvester{}, sink, receipts, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/harvests", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp harvestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Organizations)
	require.Equal(t, 1, resp.Records)
	require.NotNil(t, resp.Receipt)
	require.Equal(t, "run-1", resp.Receipt.RunID)
	require.Len(t, sink.got, 2)

	rec = serve(t, s, http.MethodGet, "/v1/harvests/run-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	rec = serve(t, s, http.MethodGet, "/v1/harvests", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	rec = serve(t, s, http.MethodGet, "/v1/harvests/run-404", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHarvestSelectedOrganizations(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{}
	s := NewServer(h, nil, nil, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/harvests", `{"organizations":["jpmorgan"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"organizations":1,"records":0}`, rec.Body.String())
	require.Equal(t, []string{"jpmorgan"}, h.runs)

	rec = serve(t, s, http.MethodPost, "/v1/harvests", `{"organizations":["acme"]}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, s, http.MethodPost, "/v1/harvests", `{invalid`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHarvestDeliveryFailure(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHarvester{}, &fakeSink{err: errors.New("bucket unavailable")}, nil, testConfig(), zap.NewNop())
	rec := serve(t, s, http.MethodPost, "/v1/harvests", "{}", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "bucket unavailable")
}

func TestAPIKeyProtectsV1Only(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	s := NewServer(&fakeHarvester{}, nil, nil, cfg, zap.NewNop())

	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusForbidden, serve(t, s, http.MethodGet, "/v1/organizations", "", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/v1/organizations", "", map[string]string{"X-API-Key": "secret"}).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/v1/organizations?api_key=secret", "", nil).Code)
}

func TestRequestIDPropagation(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHarvester{}, nil, nil, testConfig(), zap.NewNop())
	const id = "0190f3c4-1f2a-7c3e-8a1b-2c3d4e5f6a7b"
	rec := serve(t, s, http.MethodGet, "/healthz", "", map[string]string{headerRequestID: id})
	require.Equal(t, id, rec.Header().Get(headerRequestID))

	rec = serve(t, s, http.MethodGet, "/healthz", "", map[string]string{headerRequestID: "not a uuid"})
	require.NotEqual(t, "not a uuid", rec.Header().Get(headerRequestID))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeHarvester{panic: true}, nil, nil, testConfig(), zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/v1/organizations/blackrock/records", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	})
	h := timeoutMiddleware(20 * time.Millisecond)(slow)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "timed out")
}
