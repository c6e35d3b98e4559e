package middlewareinternal

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func writeBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func statusRouter(logger *zap.SugaredLogger) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestLogger(logger))
	r.Use(Compress("/metrics"))
	r.Get("/status", writeBody(`[]`))
	r.Get("/status/{device}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, DeviceParam) == "ghost" {
			http.Error(w, "Device not found", http.StatusNotFound)
			return
		}
		writeBody(`{"device":"` + chi.URLParam(r, DeviceParam) + `"}`)(w, r)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "12")
		w.Write([]byte("connector 1\n"))
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return r
}

func gunzip(t *testing.T, body io.Reader) string {
	t.Helper()
	zr, err := gzip.NewReader(body)
	require.NoError(t, err)
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(plain)
}

func TestRequestLogger_RouteAndDevice(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := statusRouter(zap.New(core).Sugar())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/car-7", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/status/{device}", fields["route"])
	assert.Equal(t, "car-7", fields["device"])
	assert.Equal(t, "/status/car-7", fields["path"])
	assert.Equal(t, http.MethodGet, fields["method"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.EqualValues(t, len(`{"device":"car-7"}`), fields["bytes"])
}

func TestRequestLogger_Fields(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		route     string
		hasDevice bool
	}{
		{name: "listing has no device", path: "/status", status: http.StatusOK, route: "/status"},
		{name: "unknown device", path: "/status/ghost", status: http.StatusNotFound, route: "/status/{device}", hasDevice: true},
		{name: "no matching route", path: "/nowhere", status: http.StatusNotFound, route: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			router := statusRouter(zap.New(core).Sugar())

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)

			require.Equal(t, 1, logs.Len())
			fields := logs.All()[0].ContextMap()
			assert.EqualValues(t, tt.status, fields["status"])
			assert.Equal(t, tt.route, fields["route"])
			_, ok := fields["device"]
			assert.Equal(t, tt.hasDevice, ok)
		})
	}
}

func TestRequestLogger_ServerErrorIsWarning(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := statusRouter(zap.New(core).Sugar())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zap.WarnLevel, logs.All()[0].Level)
}

func TestRequestLogger_OutsideRouter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := RequestLogger(zap.New(core).Sugar())(writeBody("ok"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "", fields["route"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
}

func TestCompress(t *testing.T) {
	large := strings.Repeat(`{"published":42}`, 1000)
	handler := Compress()(writeBody(large))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept-Encoding", "deflate, gzip;q=0.8")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", rec.Header().Get("Vary"))
	assert.Equal(t, large, gunzip(t, rec.Body))
}

func TestCompress_ClientWithoutGzip(t *testing.T) {
	handler := Compress()(writeBody(`[]`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, `[]`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
}

func TestCompress_SkipsMetrics(t *testing.T) {
	router := statusRouter(zap.NewNop().Sugar())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))
	assert.Equal(t, "connector 1\n", rec.Body.String())

	// A sibling route is still compressed
	req = httptest.NewRequest(http.MethodGet, "/status/car-1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, `{"device":"car-1"}`, gunzip(t, rec.Body))
}

func TestCompress_DropsContentLength(t *testing.T) {
	handler := Compress()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Write([]byte("hello"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Equal(t, "hello", gunzip(t, rec.Body))
}

func TestSkipped(t *testing.T) {
	assert.True(t, skipped("/metrics", []string{"/metrics"}))
	assert.True(t, skipped("/metrics/extra", []string{"/metrics"}))
	assert.False(t, skipped("/metricsz", []string{"/metrics"}))
	assert.False(t, skipped("/status", nil))
}
