package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/billing"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/reconcile"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 64 << 10

// handleStripeWebhook 校验签名后记录事件并交给对账器处理。
// 2xx 表示事件已处理或无需重试，5xx 让 Stripe 重新投递。
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	outcome := "error"
	defer func() {
		s.metrics.WebhookEvent(eventType, outcome)
		s.metrics.ObserveWebhook(eventType, time.Since(start).Seconds())
	}()

	log := s.log.With(zap.String("request_id", middleware.GetReqID(r.Context())))

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		outcome = "bad_request"
		respondError(w, http.StatusBadRequest, errors.New("unable to read request body"))
		return
	}

	ev, err := billing.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret)
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		outcome = "config_error"
		log.Error("stripe webhook received without a configured secret", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "webhook not configured"})
		return
	case err != nil:
		outcome = "invalid_signature"
		log.Warn("stripe webhook signature rejected", zap.Error(err))
		respondError(w, http.StatusBadRequest, errors.New("invalid signature"))
		return
	}

	eventType = string(ev.Type)
	eventID := ev.ID
	if eventID == "" {
		eventID = "missing-" + uuid.NewString()
	}
	log = log.With(zap.String("event_id", eventID), zap.String("event_type", eventType))
	ctx := r.Context()

	created, stored, err := s.webhooks.RecordWebhookEvent(ctx, models.BillingWebhookEvent{
		Provider:        models.ProviderStripe,
		ProviderEventID: eventID,
		EventType:       eventType,
		PayloadJSON:     string(payload),
	})
	if err != nil {
		outcome = "store_error"
		log.Error("record webhook event", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		outcome = "duplicate"
		log.Info("stripe webhook already processed")
		acknowledge(w)
		return
	}

	parsed, err := billing.ParseEvent(ev, s.tiers)
	switch {
	case errors.Is(err, billing.ErrEventIgnored):
		outcome = "ignored"
		s.markProcessed(ctx, log, eventID, "")
		acknowledge(w)
		return
	case errors.Is(err, billing.ErrMalformedEvent):
		outcome = "malformed"
		log.Warn("stripe webhook payload malformed", zap.Error(err))
		s.markProcessed(ctx, log, eventID, err.Error())
		acknowledge(w)
		return
	case err != nil:
		log.Error("parse stripe webhook", zap.Error(err))
		s.markProcessed(ctx, log, eventID, err.Error())
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	if err := s.reconciler.Apply(ctx, parsed); err != nil {
		s.markProcessed(ctx, log, eventID, err.Error())
		if errors.Is(err, reconcile.ErrDataIntegrity) {
			outcome = "data_integrity"
			log.Error("stripe webhook needs operator attention", zap.Error(err))
			acknowledge(w)
			return
		}
		outcome = "retry"
		log.Error("apply stripe webhook", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	s.markProcessed(ctx, log, eventID, "")
	outcome = "processed"
	log.Info("stripe webhook processed")
	acknowledge(w)
}

func (s *Server) markProcessed(ctx context.Context, log *zap.Logger, eventID, processingError string) {
	if err := s.webhooks.MarkWebhookProcessed(ctx, models.ProviderStripe, eventID, processingError); err != nil {
		log.Warn("mark webhook processed", zap.Error(err))
	}
}

func acknowledge(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}
