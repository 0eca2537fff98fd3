package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/g960059/posguard/internal/model"
)

// FakeBackendState drives the responses of FakeBackend. Zero statuses mean 200.
type FakeBackendState struct {
	HealthStatus   int
	Reasons        []model.EventReason
	StartStatus    int
	StartEventID   int64
	RangeStatus    int
	RangeEventID   int64
	RangeMessage   string
	EndStatus      int
	EndMessage     string
	PackageStatus  int
	PackageSuccess bool
	PackageMessage string
}

func DefaultReasons() []model.EventReason {
	return []model.EventReason{
		{ID: 7, ClassifierCode: 6, Description: "VIRUS INFORMATICO O FALLA DE SOFTWARE"},
		{ID: 1, ClassifierCode: 1, Description: "CORTE DEL SERVICIO DE INTERNET"},
		{ID: 2, ClassifierCode: 2, Description: "INACCESIBILIDAD AL SERVICIO WEB"},
		{ID: 5, ClassifierCode: 5, Description: "CORTE DE SUMINISTRO DE ENERGIA"},
	}
}

// FakeBackend is an in-process tax backend recording every call.
type FakeBackend struct {
	URL    string
	server *httptest.Server

	mu      sync.Mutex
	state   FakeBackendState
	calls   map[string]int
	bodies  map[string][]byte
	headers map[string]http.Header
	paths   map[string]string
}

func NewFakeBackend(t *testing.T) *FakeBackend {
	t.Helper()
	f := &FakeBackend{
		state: FakeBackendState{
			Reasons:        DefaultReasons(),
			StartEventID:   77,
			RangeEventID:   501,
			RangeMessage:   "Evento significativo registrado correctamente",
			EndMessage:     "Evento cerrado",
			PackageSuccess: true,
			PackageMessage: "Paquete recibido",
		},
		calls:   map[string]int{},
		bodies:  map[string][]byte{},
		headers: map[string]http.Header{},
		paths:   map[string]string{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	f.URL = f.server.URL
	t.Cleanup(f.server.Close)
	return f
}

// Close stops the server so later calls fail at the transport level.
func (f *FakeBackend) Close() {
	f.server.Close()
}

func (f *FakeBackend) Update(fn func(*FakeBackendState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.state)
}

func (f *FakeBackend) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *FakeBackend) LastBody(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.bodies[name]...)
}

func (f *FakeBackend) LastHeader(name string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[name].Clone()
}

func (f *FakeBackend) LastPath(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[name]
}

func (f *FakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	name := routeName(r.URL.Path)
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls[name]++
	f.bodies[name] = body
	f.headers[name] = r.Header.Clone()
	f.paths[name] = r.URL.Path
	state := f.state
	f.mu.Unlock()

	switch name {
	case "health":
		respond(w, state.HealthStatus, map[string]any{"status": "UP"})
	case "reasons":
		respond(w, 0, state.Reasons)
	case "start":
		respond(w, state.StartStatus, map[string]any{"eventId": state.StartEventID})
	case "range":
		respond(w, state.RangeStatus, map[string]any{"code": 1, "eventId": state.RangeEventID, "message": state.RangeMessage})
	case "end":
		respond(w, state.EndStatus, map[string]any{"message": state.EndMessage})
	case "package":
		respond(w, state.PackageStatus, map[string]any{"success": state.PackageSuccess, "message": state.PackageMessage, "receptionCode": "RC-1"})
	default:
		respond(w, http.StatusNotFound, map[string]any{"message": "not found"})
	}
}

func routeName(path string) string {
	switch {
	case path == "/api/v1/communication/health":
		return "health"
	case path == "/api/v1/significant-events/reasons":
		return "reasons"
	case path == "/api/v1/significant-events/start":
		return "start"
	case path == "/api/v1/significant-events/range":
		return "range"
	case path == "/api/v1/significant-events/end":
		return "end"
	case strings.HasPrefix(path, "/api/v1/packages/"):
		return "package"
	default:
		return "unknown"
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= 400 {
		_ = json.NewEncoder(w).Encode(map[string]any{"message": http.StatusText(status)})
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}
