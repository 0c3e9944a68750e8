package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/lucaspalermo/passback/internal/transaction"
)

const testSecret = "whsec_test_secret"

type stubConfirmer struct {
	mu         sync.Mutex
	references []string
	err        error
}

func (s *stubConfirmer) ConfirmPaymentByReference(_ context.Context, reference string) (*transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.references = append(s.references, reference)
	return &transaction.Transaction{ID: "txn_1", Status: transaction.StatusPaid}, nil
}

func newWebhookRouter(confirmer PaymentConfirmer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWebhookHandler(confirmer, testSecret, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.RegisterRoutes(r.Group("/"))
	return r
}

func deliver(t *testing.T, r *gin.Engine, payload []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if sign {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   payload,
			Secret:    testSecret,
			Timestamp: time.Now(),
		})
		req.Header.Set("Stripe-Signature", signed.Header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sessionCompletedEvent(sessionID string) []byte {
	return []byte(`{
		"id": "evt_1",
		"api_version": "` + stripe.APIVersion + `",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "` + sessionID + `"}}
	}`)
}

func TestHandleStripe_ConfirmsPayment(t *testing.T) {
	confirmer := &stubConfirmer{}
	r := newWebhookRouter(confirmer)

	w := deliver(t, r, sessionCompletedEvent("cs_test_123"), true)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, confirmer.references, 1)
	assert.Equal(t, "cs_test_123", confirmer.references[0])
}

func TestHandleStripe_RejectsBadSignature(t *testing.T) {
	confirmer := &stubConfirmer{}
	r := newWebhookRouter(confirmer)

	w := deliver(t, r, sessionCompletedEvent("cs_test_123"), false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, confirmer.references)
}

func TestHandleStripe_AcksUnknownReference(t *testing.T) {
	confirmer := &stubConfirmer{err: transaction.ErrTransactionNotFound}
	r := newWebhookRouter(confirmer)

	// A 2xx stops the processor's retry loop for references we will never
	// be able to resolve.
	w := deliver(t, r, sessionCompletedEvent("cs_other_env"), true)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleStripe_IgnoresUnrelatedEvents(t *testing.T) {
	confirmer := &stubConfirmer{}
	r := newWebhookRouter(confirmer)

	payload := []byte(`{"id": "evt_2", "api_version": "` + stripe.APIVersion + `", "type": "invoice.paid", "data": {"object": {"id": "in_1"}}}`)
	w := deliver(t, r, payload, true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, confirmer.references)
}

func TestFakeGateway_Lifecycle(t *testing.T) {
	g := NewFakeGateway()
	ctx := context.Background()

	url, ref, err := g.CreatePayment(ctx, "txn_1", "buyer1", decimal.RequireFromString("50.00"))
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	st, err := g.GetPaymentStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, transaction.PaymentPending, st)

	g.Approve(ref)
	st, _ = g.GetPaymentStatus(ctx, ref)
	assert.Equal(t, transaction.PaymentApproved, st)
}
