package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

func TestNewStripe_ValidatesKey(t *testing.T) {
	_, err := NewStripe("pk_test_123", "whsec", "brl")
	assert.Error(t, err)

	_, err = NewStripe("sk_test_123", "whsec", "")
	assert.Error(t, err)

	s, err := NewStripe("sk_test_123", "whsec", "BRL")
	require.NoError(t, err)
	assert.Equal(t, "brl", s.currency)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"card declined", &stripe.Error{HTTPStatusCode: 402, Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, Msg: "declined"}, ErrRejected},
		{"invalid request", &stripe.Error{HTTPStatusCode: 400, Type: stripe.ErrorTypeInvalidRequest, Msg: "bad"}, ErrRejected},
		{"server error", &stripe.Error{HTTPStatusCode: 503, Type: stripe.ErrorTypeAPI, Msg: "unavailable"}, ErrTransient},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429, Type: stripe.ErrorTypeInvalidRequest, Msg: "slow down"}, ErrTransient},
		{"idempotency in flight", &stripe.Error{HTTPStatusCode: 409, Type: stripe.ErrorTypeIdempotency, Msg: "in progress"}, ErrTransient},
		{"network", errors.New("dial tcp: connection refused"), ErrTransient},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), ErrUnknownOutcome},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(OpCapture, tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want kind %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUnexpectedState(t *testing.T) {
	captured := &stripe.Error{HTTPStatusCode: 400, Type: stripe.ErrorTypeInvalidRequest,
		Code: stripe.ErrorCodePaymentIntentUnexpectedState, Msg: "already captured"}
	assert.True(t, unexpectedState(captured))
	assert.True(t, unexpectedState(fmt.Errorf("capture: %w", captured)))
	assert.False(t, unexpectedState(&stripe.Error{Code: stripe.ErrorCodeCardDeclined}))
	assert.False(t, unexpectedState(errors.New("boom")))
}

func stubStripe(t *testing.T, handler http.HandlerFunc) *Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	s, err := newStripe("sk_test_123", "whsec_test", "brl", &stripe.Backends{API: backend})
	require.NoError(t, err)
	return s
}

func TestStripe_FailedPayoutIsRejected(t *testing.T) {
	s := stubStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payouts", r.URL.Path)
		assert.Equal(t, "acct_payee", r.Header.Get("Stripe-Account"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"po_1","object":"payout","status":"failed",` +
			`"failure_code":"account_closed","failure_message":"The bank account has been closed."}`))
	})

	_, err := s.Payout(context.Background(), PayoutRequest{
		WithdrawalID:   "wd_1",
		PayeeAccount:   "acct_payee",
		Amount:         decimal.RequireFromString("250.00"),
		IdempotencyKey: "payout:wd_1",
	})
	require.ErrorIs(t, err, ErrRejected)
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "account_closed", gerr.Code)
	assert.Equal(t, OpPayout, gerr.Op)
}

func TestStripe_PayoutPaid(t *testing.T) {
	s := stubStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"po_2","object":"payout","status":"pending"}`))
	})

	po, err := s.Payout(context.Background(), PayoutRequest{
		WithdrawalID:   "wd_2",
		PayeeAccount:   "acct_payee",
		Amount:         decimal.RequireFromString("10.00"),
		IdempotencyKey: "payout:wd_2",
	})
	require.NoError(t, err)
	assert.Equal(t, "po_2", po.Ref)
}

func signed(t *testing.T, secret, payload string) http.Header {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set(StripeSignatureHeader, sp.Header)
	return h
}

func TestStripe_ParseEvent(t *testing.T) {
	s, err := NewStripe("sk_test_123", "whsec_test", "brl")
	require.NoError(t, err)

	tests := []struct {
		name     string
		payload  string
		wantKind EventKind
		wantRef  string
		wantErr  error
	}{
		{
			name:     "capturable",
			payload:  `{"id":"evt_1","object":"event","type":"payment_intent.amount_capturable_updated","data":{"object":{"id":"pi_1","object":"payment_intent","status":"requires_capture"}}}`,
			wantKind: EventHoldCapturable,
			wantRef:  "pi_1",
		},
		{
			name:     "succeeded",
			payload:  `{"id":"evt_2","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_2","object":"payment_intent","status":"succeeded"}}}`,
			wantKind: EventCaptured,
			wantRef:  "pi_2",
		},
		{
			name:     "failed",
			payload:  `{"id":"evt_3","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_3","object":"payment_intent","last_payment_error":{"message":"insufficient funds"}}}}`,
			wantKind: EventFailed,
			wantRef:  "pi_3",
		},
		{
			name:     "charge refunded",
			payload:  `{"id":"evt_4","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_4","object":"charge","payment_intent":"pi_4"}}}`,
			wantKind: EventRefunded,
			wantRef:  "pi_4",
		},
		{
			name:    "unhandled",
			payload: `{"id":"evt_5","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`,
			wantErr: ErrUnhandledEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := s.ParseEvent([]byte(tt.payload), signed(t, "whsec_test", tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantRef, ev.PaymentRef)
		})
	}
}

func TestStripe_ParseEventBadSignature(t *testing.T) {
	s, _ := NewStripe("sk_test_123", "whsec_test", "brl")
	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`

	_, err := s.ParseEvent([]byte(payload), signed(t, "whsec_other", payload))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
