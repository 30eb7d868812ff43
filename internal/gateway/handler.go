package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/alirezakavianifar/message-broker-sub002/internal/envelope"
	"github.com/alirezakavianifar/message-broker-sub002/internal/metrics"
	"github.com/alirezakavianifar/message-broker-sub002/internal/oracle"
	"github.com/alirezakavianifar/message-broker-sub002/internal/queue"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
)

// e164 is the international phone number format: + followed by 2..15 digits,
// no leading zero.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

const maxMessageChars = 1000

// registerAttempts bounds the best-effort register retries after a
// successful enqueue; the queue is the source of truth, so giving up here
// loses nothing.
const registerAttempts = 3

// Registrar is the slice of the store client the gateway needs.
type Registrar interface {
	Register(ctx context.Context, env *envelope.Envelope) error
}

// Fingerprinter hashes the sender-supplied phone number into the opaque
// fingerprint carried on the envelope. The hashing scheme belongs to an
// external collaborator.
type Fingerprinter func(senderNumber string) string

// Handler serves the submission endpoint. It is the only component that
// accepts untrusted network input.
type Handler struct {
	queue       queue.DurableQueue
	oracle      *oracle.Oracle
	limiter     *RateLimiter
	registrar   Registrar
	fingerprint Fingerprinter
	metrics     *metrics.Metrics
	logger      *logging.Logger
	domain      string
	now         func() time.Time
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Queue       queue.DurableQueue
	Oracle      *oracle.Oracle
	Limiter     *RateLimiter
	Registrar   Registrar // may be nil when no store is configured
	Fingerprint Fingerprinter
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
	Domain      string
	Now         func() time.Time
}

// NewHandler wires the submission handler.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Domain == "" {
		opts.Domain = envelope.DefaultDomain
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.Config{})
	}
	if opts.Fingerprint == nil {
		opts.Fingerprint = defaultFingerprint
	}
	return &Handler{
		queue:       opts.Queue,
		oracle:      opts.Oracle,
		limiter:     opts.Limiter,
		registrar:   opts.Registrar,
		fingerprint: opts.Fingerprint,
		metrics:     opts.Metrics,
		logger:      opts.Logger.WithComponent("gateway"),
		domain:      opts.Domain,
		now:         opts.Now,
	}
}

// submitRequest is the submission body.
type submitRequest struct {
	SenderNumber string                 `json:"sender_number"`
	MessageBody  string                 `json:"message_body"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// submitResponse is the 202 body.
type submitResponse struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleSubmit implements POST /api/v1/messages. Validation order is load-
// bearing: shape checks before any identity work, identity before rate
// accounting, and nothing is enqueued on any rejection path.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		// The transport requires a verified client cert; reaching here
		// without one means the server is misconfigured (plain listener).
		h.writeError(w, http.StatusUnauthorized, "authentication_error", "client certificate required")
		return
	}
	cert := r.TLS.PeerCertificates[0]

	var req submitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "malformed JSON body: "+err.Error())
		return
	}

	if !e164.MatchString(req.SenderNumber) {
		h.writeError(w, http.StatusBadRequest, "validation_error", "sender_number must be E.164 (+ followed by digits)")
		return
	}
	if n := utf8.RuneCountInString(req.MessageBody); n < 1 || n > maxMessageChars {
		h.writeError(w, http.StatusBadRequest, "validation_error",
			"message_body must be between 1 and "+strconv.Itoa(maxMessageChars)+" characters")
		return
	}

	if verdict := h.oracle.Classify(cert); verdict != oracle.Active {
		h.logger.Warn("rejected submission",
			"client_cn", cert.Subject.CommonName, "verdict", string(verdict))
		h.writeError(w, http.StatusUnauthorized, "authentication_error", "client certificate is "+string(verdict))
		return
	}
	clientID := cert.Subject.CommonName

	if !h.limiter.Allow(clientID) {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.limiter.RetryAfter().Seconds())))
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "client request quota exceeded")
		return
	}

	env := envelope.New(clientID, h.fingerprint(req.SenderNumber), req.MessageBody, h.domain, h.now())
	if err := h.queue.Enqueue(r.Context(), env); err != nil {
		// Fail closed: a submission that cannot be durably persisted is
		// never accepted.
		h.logger.Error("enqueue failed", "message_id", env.MessageID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "submission cannot be persisted")
		return
	}

	if h.registrar != nil {
		go h.registerAsync(env)
	}

	h.writeJSON(w, http.StatusAccepted, submitResponse{
		MessageID: env.MessageID,
		Status:    string(envelope.StatusQueued),
		ClientID:  env.ClientID,
		QueuedAt:  env.QueuedAt,
	})
}

// registerAsync reports the canonical record to the store with its own
// bounded retry. The submission already succeeded; store unavailability is
// logged, never surfaced.
func (h *Handler) registerAsync(env *envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		if err = h.registrar.Register(ctx, env); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	h.logger.Warn("store register gave up",
		"message_id", env.MessageID, "attempts", registerAttempts, "error", err)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind, message string) {
	h.writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// defaultFingerprint stands in when no external hashing collaborator is
// wired; the value stays opaque to this core either way.
func defaultFingerprint(senderNumber string) string {
	return envelope.HashSender(senderNumber)
}
