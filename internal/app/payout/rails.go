package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tutu-network/creditledger/internal/domain"
)

// ─── Log Rail ───────────────────────────────────────────────────────────────

// LogRail records transfers in the log without moving funds. It is the
// default rail for development ledgers.
type LogRail struct {
	log *logrus.Entry
}

// NewLogRail creates a LogRail.
func NewLogRail() *LogRail {
	return &LogRail{log: logrus.WithField("component", "payout.rail")}
}

// Send logs the transfer.
func (r *LogRail) Send(ctx context.Context, p domain.Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"payout": p.ID,
		"to":     p.To,
		"amount": p.Amount.String(),
		"reason": p.Reason,
	}).Info("transfer recorded")
	return nil
}

// ─── Webhook Rail ───────────────────────────────────────────────────────────

// WebhookRail POSTs each payout as JSON to a settlement endpoint. Any 2xx
// response counts as delivered. The payout ID is sent as Idempotency-Key.
type WebhookRail struct {
	url    string
	client *http.Client
}

// NewWebhookRail creates a rail for url.
func NewWebhookRail(url string, timeout time.Duration) *WebhookRail {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookRail{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	AmountWei string `json:"amount_wei"`
	Amount    uint64 `json:"amount_gwei"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"created_at"`
}

// Send delivers the payout to the webhook.
func (r *WebhookRail) Send(ctx context.Context, p domain.Payout) error {
	body, err := json.Marshal(webhookPayload{
		ID:        p.ID,
		To:        string(p.To),
		AmountWei: new(big.Int).Mul(new(big.Int).SetUint64(uint64(p.Amount)), big.NewInt(1e9)).String(),
		Amount:    uint64(p.Amount),
		Reason:    string(p.Reason),
		CreatedAt: p.CreatedAt.Unix(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
