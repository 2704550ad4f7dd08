// Package webhook ingests the issuer's asynchronous callbacks. Every accepted
// delivery is logged before processing and acknowledged with 200 whatever the
// processing outcome; only a failed signature check is answered with 401.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alovak/cardbridge/internal/clock"
	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/alovak/cardbridge/internal/metrics"
	"github.com/alovak/cardbridge/internal/signature"
	"github.com/alovak/cardbridge/ledger"
	"github.com/alovak/cardbridge/ledger/models"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const (
	Path            = "/webhooks/issuer"
	HeaderSignature = "X-Signature"
	HeaderCategory  = "X-Category"

	DefaultChallengeTTL = 5 * time.Minute
	MaxBodySize         = 1 << 20
)

type processor func(ctx context.Context, body []byte, receivedAt time.Time) error

type Options struct {
	// Verifier authenticates deliveries. A nil Verifier rejects everything.
	Verifier     signature.Verifier
	Clock        clock.Clock
	ChallengeTTL time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type Pipeline struct {
	store        ledger.Store
	verifier     signature.Verifier
	clock        clock.Clock
	challengeTTL time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
	processors   map[string]processor
}

var _ issuerapi.EventSink = (*Pipeline)(nil)

type rejectAll struct{}

func (rejectAll) Verify([]byte, string) bool { return false }

func NewPipeline(store ledger.Store, opts Options) *Pipeline {
	if opts.Verifier == nil {
		opts.Verifier = rejectAll{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = DefaultChallengeTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		store:        store,
		verifier:     opts.Verifier,
		clock:        opts.Clock,
		challengeTTL: opts.ChallengeTTL,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With(slog.String("component", "webhook")),
	}
	p.processors = map[string]processor{
		issuerapi.CategoryCardTransaction:     p.processCardTransaction,
		issuerapi.CategoryCardAuthTransaction: p.processAuthTransaction,
		issuerapi.CategoryCard3DSTransaction:  p.processChallenge,
		issuerapi.CategoryCardHolder:          p.processHolder,
	}
	return p
}

func (p *Pipeline) AppendRoutes(r chi.Router) {
	r.Post(Path, p.Handle)
}

// Result is the internal outcome of one delivery. It never changes the HTTP answer.
type Result struct {
	EventID  string
	Category string
	Outcome  string
	Err      error
}

type ack struct {
	Success bool    `json:"success"`
	Code    int     `json:"code"`
	Msg     *string `json:"msg"`
	Data    any     `json:"data"`
}

func writeAck(w http.ResponseWriter, status int, a ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(a)
}

func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}
	category := r.Header.Get(HeaderCategory)

	if !p.verifier.Verify(body, r.Header.Get(HeaderSignature)) {
		p.logger.Warn("webhook signature verification failed",
			slog.String("category", category),
			slog.String("remote_addr", r.RemoteAddr),
		)
		p.metrics.ObserveWebhook(category, metrics.OutcomeUnauthenticated)
		msg := "Signature verification failed"
		writeAck(w, http.StatusUnauthorized, ack{Success: false, Code: http.StatusUnauthorized, Msg: &msg})
		return
	}

	// the sender hanging up must not abort a half-applied event
	p.Process(context.WithoutCancel(r.Context()), category, body)

	writeAck(w, http.StatusOK, ack{Success: true, Code: http.StatusOK})
}

// Categories lists the webhook categories with a processor, sorted.
func (p *Pipeline) Categories() []string {
	c := maps.Keys(p.processors)
	slices.Sort(c)
	return c
}

// Deliver processes an event from a trusted in-process source, skipping authentication.
func (p *Pipeline) Deliver(ctx context.Context, category string, body []byte) {
	p.Process(ctx, category, body)
}

// Fingerprint identifies a delivery by its category and exact body.
func Fingerprint(category string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Process logs, dispatches and finalizes one authenticated delivery.
func (p *Pipeline) Process(ctx context.Context, category string, body []byte) Result {
	receivedAt := p.clock.Now()
	res := Result{Category: category}

	event := &models.WebhookEvent{
		Category:    category,
		Payload:     string(body),
		Fingerprint: Fingerprint(category, body),
		Status:      models.WebhookReceived,
		ReceivedAt:  receivedAt,
	}
	if event.Category == "" {
		event.Category = "unknown"
	}
	// nothing is applied without its audit row; the refresh and sync paths recover the state
	// nothing is applied without its audit row; the issuer redelivers
	if err := p.store.RecordWebhookEvent(ctx, event); err != nil {
		p.logger.Error("recording webhook event",
			slog.String("category", category),
			slog.String("fingerprint", event.Fingerprint),
			slog.String("err", err.Error()),
		)
		res.Outcome = metrics.OutcomeUnrecorded
		res.Err = fmt.Errorf("recording webhook event: %w", err)
		p.metrics.ObserveWebhook(category, res.Outcome)
		return res
	}
	res.EventID = event.ID
	logger := p.logger.With(slog.String("category", category), slog.String("event_id", event.ID))
	logger.Info("webhook received")

	proc, ok := p.processors[category]
	switch {
	case !ok:
		logger.Warn("unknown webhook category", slog.Any("known", p.Categories()))
		res.Outcome = metrics.OutcomeUnknownCategory
	default:
		res.Err = p.run(ctx, proc, body, receivedAt)
		res.Outcome = metrics.OutcomeProcessed
		if res.Err != nil {
			res.Outcome = metrics.OutcomeFailed
			logger.Error("processing webhook event", slog.String("err", res.Err.Error()))
		}
	}

	status, msg := models.WebhookProcessed, ""
	if res.Err != nil {
		status, msg = models.WebhookFailed, res.Err.Error()
	}
	if err := p.store.FinishWebhookEvent(ctx, event.ID, status, msg, p.clock.Now()); err != nil {
		logger.Error("finishing webhook event", slog.String("err", err.Error()))
	}
	p.metrics.ObserveWebhook(category, res.Outcome)
	return res
}

func (p *Pipeline) run(ctx context.Context, proc processor, body []byte, receivedAt time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(ctx, body, receivedAt)
}
