// Package refund dispatches queued refund requests to the payment gateway.
package refund

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/settings"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultBatchSize      = 50
	defaultMaxAttempts    = 5
	maxErrorBody          = 512
)

// Options configures a Dispatcher.
type Options struct {
	URL         string
	Timeout     time.Duration
	BatchSize   int
	MaxAttempts int
	Client      *http.Client
}

// Dispatcher posts pending refund requests to the gateway. The request's
// reference doubles as the gateway idempotency key, so a retried delivery of
// an already processed refund is harmless.
type Dispatcher struct {
	tx          *store.Transactor
	ledger      *ledger.Ledger
	clock       clock.Clock
	url         string
	timeout     time.Duration
	batchSize   int
	maxAttempts int
	client      *http.Client
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(tx *store.Transactor, l *ledger.Ledger, clk clock.Clock, opts Options) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	d := &Dispatcher{
		tx:          tx,
		ledger:      l,
		clock:       clk,
		url:         strings.TrimSpace(opts.URL),
		timeout:     opts.Timeout,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		client:      opts.Client,
	}
	if d.timeout <= 0 {
		d.timeout = defaultRequestTimeout
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: d.timeout}
	}
	return d
}

// Result summarizes one dispatch pass.
type Result struct {
	Skipped   bool `json:"skipped"`
	Processed int  `json:"processed"`
	Succeeded int  `json:"succeeded"`
	Retrying  int  `json:"retrying"`
	Abandoned int  `json:"abandoned"`
}

type payload struct {
	Reference      string          `json:"reference"`
	GlobalCreditID uint64          `json:"global_credit_id"`
	ConsumerID     uint64          `json:"consumer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Destination    string          `json:"destination,omitempty"`
}

// DispatchPending sends up to one batch of pending requests, oldest first.
// Without a gateway URL the pass is skipped and requests stay queued.
func (d *Dispatcher) DispatchPending(ctx context.Context) (Result, error) {
	var out Result
	if d.url == "" {
		out.Skipped = true
		log.Debug("refund: no gateway configured, dispatch skipped")
		return out, nil
	}
	var pending []models.RefundRequest
	if errFind := d.tx.DB(ctx).
		Where("status = ?", models.RefundRequestStatusPending).
		Order("id ASC").
		Limit(d.batchSize).
		Find(&pending).Error; errFind != nil {
		return out, store.Classify(errFind, "refund request")
	}

	for i := range pending {
		if errCtx := ctx.Err(); errCtx != nil {
			return out, errCtx
		}
		req := &pending[i]
		out.Processed++
		errSend := d.send(ctx, req)
		if errSend == nil {
			if errMark := d.markSucceeded(ctx, req); errMark != nil {
				log.WithError(errMark).WithField("refund_request_id", req.ID).Error("refund: gateway accepted but marking failed")
				out.Retrying++
				continue
			}
			out.Succeeded++
			continue
		}
		abandoned, errMark := d.markAttemptFailed(ctx, req, errSend)
		if errMark != nil {
			log.WithError(errMark).WithField("refund_request_id", req.ID).Error("refund: record attempt failed")
		}
		if abandoned {
			out.Abandoned++
		} else {
			out.Retrying++
		}
	}
	if out.Processed > 0 {
		log.WithFields(log.Fields{
			"processed": out.Processed,
			"succeeded": out.Succeeded,
			"retrying":  out.Retrying,
			"abandoned": out.Abandoned,
		}).Info("refund: dispatch finished")
	}
	return out, nil
}

func (d *Dispatcher) send(ctx context.Context, req *models.RefundRequest) error {
	body, errMarshal := json.Marshal(payload{
		Reference:      req.Reference,
		GlobalCreditID: req.GlobalCreditID,
		ConsumerID:     req.ConsumerID,
		Amount:         req.Amount,
		Destination:    req.Destination,
	})
	if errMarshal != nil {
		return fmt.Errorf("refund: marshal payload: %w", errMarshal)
	}

	requestCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, errReq := http.NewRequestWithContext(requestCtx, http.MethodPost, d.url, bytes.NewReader(body))
	if errReq != nil {
		return fmt.Errorf("refund: build request: %w", errReq)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	resp, errDo := d.client.Do(httpReq)
	if errDo != nil {
		return fmt.Errorf("refund: request failed: %w", errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("refund: close response body failed")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("refund: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (d *Dispatcher) markSucceeded(ctx context.Context, req *models.RefundRequest) error {
	return d.tx.InTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.RefundRequest{}).
			Where("id = ? AND status = ?", req.ID, models.RefundRequestStatusPending).
			Updates(map[string]any{
				"status":     models.RefundRequestStatusSucceeded,
				"attempts":   req.Attempts + 1,
				"last_error": "",
				"updated_at": d.clock.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("refund request changed concurrently").With("refund_request_id", req.ID)
		}
		return d.ledger.MarkRefundedTx(tx, req.GlobalCreditID)
	})
}

// attemptLimit prefers the REFUND_MAX_ATTEMPTS setting over the configured cap.
func (d *Dispatcher) attemptLimit() int {
	raw, ok := settings.DBConfigValue(settings.RefundMaxAttemptsKey)
	if !ok {
		return d.maxAttempts
	}
	var n int
	if errUnmarshal := json.Unmarshal(raw, &n); errUnmarshal != nil || n <= 0 {
		return d.maxAttempts
	}
	return n
}

// markAttemptFailed records the failure and reports whether the request ran
// out of attempts. The global credit stays pending_refund for admin follow-up.
func (d *Dispatcher) markAttemptFailed(ctx context.Context, req *models.RefundRequest, cause error) (bool, error) {
	attempts := req.Attempts + 1
	status := models.RefundRequestStatusPending
	if attempts >= d.attemptLimit() {
		status = models.RefundRequestStatusFailed
	}
	errUpdate := d.tx.DB(ctx).Model(&models.RefundRequest{}).
		Where("id = ? AND status = ?", req.ID, models.RefundRequestStatusPending).
		Updates(map[string]any{
			"status":     status,
			"attempts":   attempts,
			"last_error": cause.Error(),
			"updated_at": d.clock.Now().UTC(),
		}).Error
	entry := log.WithError(cause).WithFields(log.Fields{
		"refund_request_id": req.ID,
		"attempts":          attempts,
	})
	if status == models.RefundRequestStatusFailed {
		entry.Error("refund: giving up after max attempts")
	} else {
		entry.Warn("refund: dispatch failed, will retry")
	}
	return status == models.RefundRequestStatusFailed, store.Classify(errUpdate, "refund request")
}

// List returns refund requests, optionally filtered by status, newest first.
func (d *Dispatcher) List(ctx context.Context, status models.RefundRequestStatus) ([]models.RefundRequest, error) {
	q := d.tx.DB(ctx).Order("id DESC").Limit(200)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.RefundRequest
	if errFind := q.Find(&out).Error; errFind != nil {
		return nil, store.Classify(errFind, "refund request")
	}
	return out, nil
}
