package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/g960059/posguard/internal/api"
	"github.com/g960059/posguard/internal/bus"
	"github.com/g960059/posguard/internal/config"
	"github.com/g960059/posguard/internal/consumer"
	"github.com/g960059/posguard/internal/contingency"
	"github.com/g960059/posguard/internal/model"
)

const maxRequestBody = 1 << 20

type Server struct {
	cfg      config.Config
	coord    *contingency.Coordinator
	offers   *OfferBox
	surface  *consumer.Surface
	limiter  *rate.Limiter
	logger   *slog.Logger
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	streamID string
	sequence atomic.Int64
	mu       sync.Mutex
	unsub    func()
	done     chan struct{}
	shutdown sync.Once

	shutdownErr error
}

// NewServer builds the local API over coord. offers may be nil when the
// coordinator was built without the daemon's prompter.
func NewServer(cfg config.Config, coord *contingency.Coordinator, offers *OfferBox, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.MutationRate > 0 {
		limit = rate.Limit(cfg.MutationRate)
	}
	burst := cfg.MutationBurst
	if burst <= 0 {
		burst = 1
	}
	s := &Server{
		cfg:      cfg,
		coord:    coord,
		offers:   offers,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With("component", "daemon"),
		streamID: uuid.NewString(),
		done:     make(chan struct{}),
	}
	s.surface = consumer.New(consumer.Options{
		Store:  coord.Store(),
		Health: coord.Monitor(),
		OnRefetch: func(_ context.Context, v consumer.View) {
			s.logger.Debug("invoice view changed", "mode", v.Mode, "statuses", v.Query.Statuses)
		},
		Logger: logger,
	})
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/reasons", s.reasonsHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/invoices", s.listInvoicesHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/watch", s.watchHandler).Methods(http.MethodGet)
	r.Handle("/v1/contingency/activate", s.limited(s.activateHandler)).Methods(http.MethodPost)
	r.Handle("/v1/contingency/deactivate", s.limited(s.deactivateHandler)).Methods(http.MethodPost)
	r.Handle("/v1/packages/submit", s.limited(s.submitPackageHandler)).Methods(http.MethodPost)
	r.Handle("/v1/invoices", s.limited(s.recordInvoiceHandler)).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.offers != nil {
		s.unsub = s.coord.Store().Bus().Subscribe(func(ev bus.Event) {
			if ev.Kind == bus.KindActivated {
				s.offers.Clear()
			}
		})
	}
	s.mu.Unlock()
	s.surface.Mount(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("local api listening", "socket", s.cfg.SocketPath, "stream_id", s.streamID)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		close(s.done)
		s.surface.Unmount()
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		unsub := s.unsub
		s.unsub = nil
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	backendHealth := toBackendHealth(s.coord.Monitor().Snapshot())
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		StreamID:      s.streamID,
		Backend:       &backendHealth,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func (s *Server) status(ctx context.Context) api.StatusResponse {
	store := s.coord.Store()
	st := store.Read(ctx)
	view := s.surface.View(ctx)
	resp := api.StatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		TerminalID:    store.TerminalID(),
		State:         s.toState(ctx, st),
		Health:        toBackendHealth(s.coord.Monitor().Snapshot()),
		InvoiceQuery:  toInvoiceQuery(view.Query),
	}
	if s.offers != nil && !view.Active && view.Health.Failed() {
		if offer, ok := s.offers.Pending(); ok {
			resp.Offer = &api.ContingencyOffer{Status: string(offer.Status), OfferedAt: offer.OfferedAt}
		}
	}
	return resp
}

func (s *Server) reasonsHandler(w http.ResponseWriter, r *http.Request) {
	reasons, err := s.coord.ListReasons(r.Context())
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	items := make([]api.Reason, 0, len(reasons))
	for _, reason := range reasons {
		items = append(items, s.toReason(reason))
	}
	s.writeJSON(w, http.StatusOK, api.ReasonsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Reasons:       items,
	})
}

func (s *Server) activateHandler(w http.ResponseWriter, r *http.Request) {
	var req api.ActivateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ClassifierCode <= 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "classifier_code is required")
		return
	}
	res, err := s.coord.Activate(r.Context(), contingency.ActivationRequest{
		RequestRef:     req.RequestRef,
		ClassifierCode: req.ClassifierCode,
		Description:    req.Description,
		RangeStart:     req.RangeStart,
		RangeEnd:       req.RangeEnd,
	})
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Replayed {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, api.ActivateResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		RequestRef:    res.RequestRef,
		Replayed:      res.Replayed,
		State:         s.toState(r.Context(), res.State),
	})
}

func (s *Server) deactivateHandler(w http.ResponseWriter, r *http.Request) {
	var req api.DeactivateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.coord.Deactivate(r.Context(), contingency.DeactivationRequest{RequestRef: req.RequestRef})
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DeactivateResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		RequestRef:    res.RequestRef,
		Replayed:      res.Replayed,
		EventID:       res.EventID,
		Message:       res.Message,
	})
}

func (s *Server) submitPackageHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.SubmitPackage(r.Context())
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PackageResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		EventID:       res.EventID,
		Submitted:     res.Submitted,
		ReceptionCode: res.ReceptionCode,
		Message:       res.Message,
		Deactivated:   res.Deactivated,
	})
}

// listInvoicesHandler follows the surface's query: offline invoices of the
// current event during contingency. A status filter is honoured only in
// normal mode.
func (s *Server) listInvoicesHandler(w http.ResponseWriter, r *http.Request) {
	query := s.surface.View(r.Context()).Query
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" && !queryRestricted(query) {
		statuses, err := parseStatuses(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
			return
		}
		query.Statuses = statuses
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("event_id")); raw != "" && query.EventID == nil {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid event_id")
			return
		}
		query.EventID = &id
	}
	invoices, err := s.coord.QueryInvoices(r.Context(), query.Statuses, query.EventID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	items := make([]api.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		items = append(items, toInvoice(inv))
	}
	s.writeJSON(w, http.StatusOK, api.InvoicesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Query:         toInvoiceQuery(query),
		Invoices:      items,
	})
}

func (s *Server) recordInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req api.RecordInvoiceRequest
	if !s.decode(w, r, &req) {
		return
	}
	total, err := decimal.NewFromString(strings.TrimSpace(req.Total))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrInvoiceInvalid, "invalid total")
		return
	}
	in := contingency.InvoiceInput{
		InvoiceID: req.InvoiceID,
		Number:    req.Number,
		Total:     total,
		Manual:    req.Manual,
		Payload:   req.Payload,
	}
	if req.IssuedAt != nil {
		in.IssuedAt = *req.IssuedAt
	}
	inv, err := s.coord.RecordInvoice(r.Context(), in)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.InvoiceResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Invoice:       toInvoice(inv),
	})
}

func (s *Server) limited(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, model.ErrRateLimited, "too many requests")
			return
		}
		next(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid json body")
		return false
	}
	return true
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "err", err)
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
