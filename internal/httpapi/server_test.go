package httpapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"layerstream/internal/loader"
	"layerstream/internal/metrics"
	"layerstream/internal/modelimage"
	"layerstream/internal/session"
	"layerstream/pkg/types"
)

type mockService struct {
	models []types.Model
	status types.StatusResponse
	ready  bool
}

func (m *mockService) Models() []types.Model { return append([]types.Model(nil), m.models...) }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool { return m.ready }
func (m *mockService) Get(string) (*session.Session, bool) { return nil, false }
func (m *mockService) Collector() prometheus.Collector {
	return metrics.NewCollector(func() []types.SessionStatus { return m.status.Sessions })
}

func newTestMux(svc Service) http.Handler {
	return NewMux(svc, Options{LogLevel: "off", DisableRuntimeMetrics: true})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.Model{{ID: "m1.tmai"}, {ID: "m2.tmai"}}}
	w := get(t, newTestMux(svc), "/models")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body map[string][]types.Model
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body["models"]) != 2 {
		t.Fatalf("models len=%d", len(body["models"]))
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{UptimeSeconds: 10, Sessions: []types.SessionStatus{{ID: "s1", Model: "tiny"}}}}
	w := get(t, newTestMux(svc), "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.UptimeSeconds != 10 || len(body.Sessions) != 1 || body.Sessions[0].ID != "s1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	w := get(t, newTestMux(&mockService{ready: true}), "/readyz")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	w = get(t, newTestMux(&mockService{}), "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no open sessions") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	w := get(t, newTestMux(&mockService{}), "/healthz")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	w := get(t, newTestMux(&mockService{}), "/sessions/nope")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Code != http.StatusNotFound || body.Error == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func openGroup(t *testing.T) (*session.Group, *session.Session) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tiny.tmai")
	layers := []modelimage.Layer{{Data: make([]byte, 128), PrecisionBits: 8}, {Data: make([]byte, 128), PrecisionBits: 8}}
	if err := modelimage.WriteFile(p, "tiny", layers); err != nil {
		t.Fatalf("write image: %v", err)
	}
	cfg := session.DefaultConfig()
	cfg.Cache.PrefetchEnabled = false
	s, err := session.Open(p, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	g := session.NewGroup()
	g.Add(s)
	t.Cleanup(func() { _ = g.Close() })
	return g, s
}

func TestSessionEndpoints(t *testing.T) {
	g, s := openGroup(t)
	if err := s.Loader().LoadLayer(1); err != nil {
		t.Fatalf("load: %v", err)
	}
	h := newTestMux(g)

	w := get(t, h, "/sessions/"+s.ID())
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var st types.SessionStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if st.ID != s.ID() || st.Model != "tiny" || st.Loader.Loaded != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}

	w = get(t, h, "/sessions/"+s.ID()+"/layers/1")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var info loader.LayerInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("json: %v", err)
	}
	if info.Index != 1 || info.State != types.LayerLoaded.String() || info.LoadCount != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}

	if w := get(t, h, "/sessions/"+s.ID()+"/layers/9"); w.Code != http.StatusBadRequest {
		t.Fatalf("out of range layer: status=%d", w.Code)
	}
	if w := get(t, h, "/sessions/"+s.ID()+"/layers/x"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad layer: status=%d", w.Code)
	}
}

func TestMetricsEndpointExportsSessions(t *testing.T) {
	g, _ := openGroup(t)
	h := newTestMux(g)
	get(t, h, "/status")
	w := get(t, h, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"layerstream_cache_layers", "layerstream_loader_budget_bytes", `layerstream_http_requests_total{method="GET",path="/status",status="200"} 1`} {
		if !strings.Contains(body, name) {
			t.Fatalf("missing %s in metrics output", name)
		}
	}
}
