package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// recordingWriter is a bare ResponseWriter. The wrappers below add optional
// interfaces one at a time.
type recordingWriter struct {
	header   http.Header
	status   int
	body     bytes.Buffer
	flushed  bool
	hijacked bool
}

func (w *recordingWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *recordingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

type flushingWriter struct{ *recordingWriter }

func (w flushingWriter) Flush() { w.flushed = true }

type hijackingWriter struct{ *recordingWriter }

func (w hijackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type flushHijackingWriter struct{ *recordingWriter }

func (w flushHijackingWriter) Flush() { w.flushed = true }

func (w flushHijackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func serveLogged(t *testing.T, w http.ResponseWriter, path string, h http.HandlerFunc) map[string]any {
	t.Helper()
	var out bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(WithRequestID(context.Background(), "req_test"))
	AccessLog(logger, h).ServeHTTP(w, req)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	return rec
}

func TestAccessLog_AdvertisesOnlyUnderlyingInterfaces(t *testing.T) {
	cases := []struct {
		name       string
		wrap       func(*recordingWriter) http.ResponseWriter
		canFlush   bool
		canHijack  bool
		wantStatus int
	}{
		{"plain", func(w *recordingWriter) http.ResponseWriter { return w }, false, false, http.StatusOK},
		{"flusher", func(w *recordingWriter) http.ResponseWriter { return flushingWriter{w} }, true, false, http.StatusOK},
		{"hijacker", func(w *recordingWriter) http.ResponseWriter { return hijackingWriter{w} }, false, true, http.StatusSwitchingProtocols},
		{"both", func(w *recordingWriter) http.ResponseWriter { return flushHijackingWriter{w} }, true, true, http.StatusSwitchingProtocols},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := &recordingWriter{}
			rec := serveLogged(t, tc.wrap(base), "/ws/voice/", func(w http.ResponseWriter, r *http.Request) {
				f, isFlusher := w.(http.Flusher)
				hj, isHijacker := w.(http.Hijacker)
				if isFlusher != tc.canFlush || isHijacker != tc.canHijack {
					t.Fatalf("flusher=%v hijacker=%v, want %v/%v", isFlusher, isHijacker, tc.canFlush, tc.canHijack)
				}
				if isFlusher {
					f.Flush()
				}
				if isHijacker {
					if _, _, err := hj.Hijack(); err != nil {
						t.Fatalf("hijack: %v", err)
					}
					return
				}
				_, _ = io.WriteString(w, "ok")
			})

			if base.flushed != tc.canFlush || base.hijacked != tc.canHijack {
				t.Fatalf("delegated flush=%v hijack=%v", base.flushed, base.hijacked)
			}
			if got, _ := rec["status"].(float64); int(got) != tc.wantStatus {
				t.Fatalf("logged status=%v, want %d", rec["status"], tc.wantStatus)
			}
			if rec["request_id"] != "req_test" {
				t.Fatalf("request_id=%v", rec["request_id"])
			}
		})
	}
}

func TestAccessLog_LogsExplicitStatus(t *testing.T) {
	rec := serveLogged(t, &recordingWriter{}, "/api/appointments/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	if got, _ := rec["status"].(float64); int(got) != http.StatusCreated {
		t.Fatalf("logged status=%v, want %d", rec["status"], http.StatusCreated)
	}
	if rec["path"] != "/api/appointments/" || rec["method"] != http.MethodGet {
		t.Fatalf("record=%v", rec)
	}
	if _, ok := rec["duration_ms"]; !ok {
		t.Fatalf("duration_ms missing: %v", rec)
	}
}
