package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/perflab/devicepulse/internal/domain"
	"github.com/perflab/devicepulse/internal/sampler"
)

type fixedStatus struct {
	st sampler.Status
}

func (f fixedStatus) Status() sampler.Status { return f.st }

func newTestRouter(provider StatusProvider) (*Handler, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(provider)
	return h, NewRouter(h)
}

func TestPing(t *testing.T) {
	_, r := newTestRouter(fixedStatus{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if w.Code != http.StatusOK || w.Body.String() != "pong" {
		t.Fatalf("code=%d body=%q", w.Code, w.Body.String())
	}
}

func TestStatusReportsSamplerSnapshot(t *testing.T) {
	_, r := newTestRouter(fixedStatus{st: sampler.Status{
		State:  sampler.StateSampling,
		Serial: "ABC",
		Target: "com.x",
	}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var resp struct {
		Sampler sampler.Status `json:"sampler"`
		Host    hostStats      `json:"host"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Sampler.State != sampler.StateSampling || resp.Sampler.Target != "com.x" {
		t.Fatalf("sampler section: %+v", resp.Sampler)
	}
}

func TestLatestSampleLifecycle(t *testing.T) {
	h, r := newTestRouter(fixedStatus{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics/latest", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("before any sample: code = %d", w.Code)
	}

	obs := h.SampleObserver()
	sample := domain.MetricSample{Pkg: "com.x", T: 123, V: map[string]float64{domain.KeyFPSApp: 59.4}}
	if err := obs.Notify(context.Background(), sample); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics/latest", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("after sample: code = %d", w.Code)
	}
	var got domain.MetricSample
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Pkg != "com.x" || got.T != 123 || got.V[domain.KeyFPSApp] != 59.4 {
		t.Fatalf("sample = %+v", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, r := newTestRouter(fixedStatus{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ping", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d", w.Code)
	}
}
