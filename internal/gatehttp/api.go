// Package gatehttp exposes the admission gate over HTTP.
package gatehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/smsgate/internal/admission"
	"github.com/keithlinneman/smsgate/internal/httpmw"
	"github.com/keithlinneman/smsgate/internal/log"
	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// Gate is the admission surface the API needs.
type Gate interface {
	Admit(ctx context.Context, phoneNumber, accountID string) admission.Result
	Config() admission.Config
	PhoneNumbers() *admission.Store
	Accounts() *admission.Store
}

// API implements the /api/sms routes.
type API struct {
	gate   Gate
	source string

	logger  log.Logger
	denials log.Logger

	observe func(time.Duration)
	onPanic func()
}

type Option func(*API)

// WithLogger sets the logger. Denial records go through a throttled copy of it,
// errors are never throttled.
func WithLogger(l log.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithDecisionObserver is called with the wall time of every admission decision.
func WithDecisionObserver(fn func(time.Duration)) Option {
	return func(a *API) { a.observe = fn }
}

// WithOnPanic is called when the gate panics while deciding.
func WithOnPanic(fn func()) Option {
	return func(a *API) { a.onPanic = fn }
}

// WithPolicySource names where the quota policy came from, reported by /stats.
func WithPolicySource(source string) Option {
	return func(a *API) { a.source = source }
}

// denial logging budget: a handful straight away, then one per interval
const (
	denialLogBurst    = 10
	denialLogInterval = 5 * time.Second
)

func New(gate Gate, opts ...Option) *API {
	a := &API{gate: gate, logger: log.Nop()}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = log.Nop()
	}
	a.denials = log.Throttled(a.logger, denialLogBurst, denialLogInterval)
	return a
}

// RegisterRoutes mounts POST /api/sms/check and GET /api/sms/stats.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/sms", func(r chi.Router) {
		r.With(middleware.AllowContentType("application/json")).Post("/check", a.check)
		r.Get("/stats", a.stats)
	})
}

// StatsHandler serves the same snapshot as GET /api/sms/stats, for the admin listener.
func (a *API) StatsHandler() http.Handler { return http.HandlerFunc(a.stats) }

type checkRequest struct {
	BusinessPhoneNumber string `json:"businessPhoneNumber"`
	AccountID           string `json:"accountId"`
	// carried for callers that send the whole message, not used for the decision
	CustomerPhoneNumber string `json:"customerPhoneNumber,omitempty"`
	Message             string `json:"message,omitempty"`
}

type checkResponse struct {
	CanSend *bool  `json:"canSend,omitempty"`
	Result  string `json:"result"`
}

func (a *API) check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	phone := strings.TrimSpace(req.BusinessPhoneNumber)
	account := strings.TrimSpace(req.AccountID)
	switch {
	case phone == "":
		writeError(w, http.StatusBadRequest, "businessPhoneNumber is required")
		return
	case account == "":
		writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}

	res, err := a.decide(ctx, phone, account)
	if err != nil {
		if a.onPanic != nil {
			a.onPanic()
		}
		a.logger.Error(ctx, err, "admission check failed",
			"request_id", httpmw.RequestIDFromContext(ctx),
		)
		writeJSON(w, http.StatusInternalServerError, checkResponse{Result: "failure"})
		return
	}

	allowed := res.Allowed()
	if !allowed {
		// phone numbers and account ids stay out of logs, the request id links back to the caller
		a.denials.Warn(ctx, "sms admission denied",
			"result", res.String(),
			"request_id", httpmw.RequestIDFromContext(ctx),
			"client.address", httpmw.ClientIPFromContext(ctx),
		)
		w.Header().Set("Retry-After", retryAfter(a.gate.Config().Window))
		writeJSON(w, http.StatusTooManyRequests, checkResponse{CanSend: &allowed, Result: res.String()})
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{CanSend: &allowed, Result: res.String()})
}

// decide runs the gate and turns a panic into an error so one bad key cannot take
// the request goroutine's response with it.
func (a *API) decide(ctx context.Context, phone, account string) (res admission.Result, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			e, ok := rec.(error)
			if !ok {
				e = fmt.Errorf("%v", rec)
			}
			err = xerrors.Wrap(e, "admission gate panicked")
			return
		}
		if a.observe != nil {
			a.observe(time.Since(start))
		}
	}()
	return a.gate.Admit(ctx, phone, account), nil
}

// retryAfter rounds the window up to whole seconds, the earliest a full window could have slid past.
func retryAfter(window time.Duration) string {
	secs := int64((window + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprint(secs)
}

type storeStats struct {
	Keys    int `json:"keys"`
	Entries int `json:"entries"`
}

type policyStats struct {
	Source           string  `json:"source,omitempty"`
	MaxPerNumber     int     `json:"maxMessagesPerNumberPerWindow"`
	MaxPerAccount    int     `json:"maxMessagesPerAccountPerWindow"`
	WindowSeconds    float64 `json:"windowSeconds"`
	RetentionHorizon string  `json:"retentionHorizon"`
}

type statsResponse struct {
	PhoneNumbers storeStats  `json:"phoneNumbers"`
	Accounts     storeStats  `json:"accounts"`
	Policy       policyStats `json:"policy"`
}

func (a *API) stats(w http.ResponseWriter, _ *http.Request) {
	cfg := a.gate.Config()
	phones, accounts := a.gate.PhoneNumbers(), a.gate.Accounts()
	writeJSON(w, http.StatusOK, statsResponse{
		PhoneNumbers: storeStats{Keys: phones.Len(), Entries: phones.Entries()},
		Accounts:     storeStats{Keys: accounts.Len(), Entries: accounts.Entries()},
		Policy: policyStats{
			Source:           a.source,
			MaxPerNumber:     cfg.MaxPerPhoneNumber,
			MaxPerAccount:    cfg.MaxPerAccount,
			WindowSeconds:    cfg.Window.Seconds(),
			RetentionHorizon: cfg.RetentionHorizon.String(),
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
