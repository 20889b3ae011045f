package provider

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"go.uber.org/zap"

	"rentflow/config"
)

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"2800.00", 280000, false},
		{"2800", 280000, false},
		{"0.01", 1, false},
		{"13.999", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := minorUnits(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("minorUnits(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("minorUnits(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("minorUnits(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	if got := formatAmount(280000); got != "2800.00" {
		t.Errorf("formatAmount(280000) = %q, want 2800.00", got)
	}
}

func TestAlipay_VerifyCallback(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	adapter, err := NewAlipay(config.AlipayConfig{
		AppID:         "app-1",
		GatewayURL:    "https://gateway.example.com/gateway.do",
		PublicKeyPEM:  pubPEM,
		PrivateKeyPEM: privPEM,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new alipay: %v", err)
	}

	values := url.Values{}
	values.Set("out_trade_no", "PAY-ref")
	values.Set("trade_no", "2026082712345")
	values.Set("trade_status", "TRADE_SUCCESS")
	values.Set("total_amount", "2800.00")
	values.Set("sign_type", "RSA2")

	sig, err := adapter.sign(canonicalString(values, "sign", "sign_type"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	values.Set("sign", sig)

	if got := adapter.VerifyCallback(values); got != AuthVerified {
		t.Fatalf("expected AuthVerified, got %v", got)
	}

	values.Set("trade_status", "TRADE_CLOSED")
	if got := adapter.VerifyCallback(values); got != AuthFailed {
		t.Fatalf("expected AuthFailed after tamper, got %v", got)
	}
}

func TestAlipay_VerifyCallbackNoKey(t *testing.T) {
	adapter, err := NewAlipay(config.AlipayConfig{AppID: "app-1", GatewayURL: "https://g.example.com"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new alipay: %v", err)
	}

	values := url.Values{}
	values.Set("out_trade_no", "PAY-ref")
	if got := adapter.VerifyCallback(values); got != AuthUnverified {
		t.Fatalf("expected AuthUnverified without public key, got %v", got)
	}
}

func TestAlipay_ParseCallback(t *testing.T) {
	adapter, err := NewAlipay(config.AlipayConfig{AppID: "app-1", GatewayURL: "https://g.example.com"}, zap.NewNop())
	if err != nil {
		t.Fatalf("new alipay: %v", err)
	}

	values := url.Values{}
	values.Set("out_trade_no", "PAY-abc")
	values.Set("trade_no", "tx-9")
	values.Set("trade_status", "TRADE_SUCCESS")
	values.Set("total_amount", "2800.00")

	cb, err := adapter.ParseCallback(values)
	if err != nil {
		t.Fatalf("parse callback: %v", err)
	}
	if !cb.Succeeded || cb.TransactionID != "tx-9" || cb.Amount != 280000 {
		t.Fatalf("unexpected callback: %+v", cb)
	}

	values.Set("trade_status", "WAIT_BUYER_PAY")
	cb, err = adapter.ParseCallback(values)
	if err != nil {
		t.Fatalf("parse callback: %v", err)
	}
	if cb.Succeeded {
		t.Fatal("WAIT_BUYER_PAY must not count as success")
	}

	if _, err := adapter.ParseCallback(url.Values{}); err == nil {
		t.Fatal("expected error for missing out_trade_no")
	}
}

func TestAlipay_CreateOrderBuildsSignedURL(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	adapter, err := NewAlipay(config.AlipayConfig{
		AppID:         "app-1",
		GatewayURL:    "https://gateway.example.com/gateway.do",
		PrivateKeyPEM: privPEM,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new alipay: %v", err)
	}

	res, err := adapter.CreateOrder(context.Background(), CreateOrderParams{
		OrderRef:    "PAY-abc-123",
		UserID:      "u1",
		Amount:      280000,
		Description: "October rent",
		NotifyURL:   "https://rentflow.example.com/webhooks/payments/alipay",
		ReturnURL:   "https://rentflow.example.com/payments/return/alipay",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	u, err := url.Parse(res.PaymentURL)
	if err != nil {
		t.Fatalf("parse payment url: %v", err)
	}
	q := u.Query()
	if q.Get("sign") == "" {
		t.Fatal("expected signed payment URL")
	}
	if !strings.Contains(q.Get("biz_content"), `"total_amount":"2800.00"`) {
		t.Fatalf("unexpected biz_content: %s", q.Get("biz_content"))
	}
}

func TestWechat_SignRoundTrip(t *testing.T) {
	adapter := NewWechat(config.WechatConfig{
		AppID:      "wxapp",
		MerchantID: "mch-1",
		APIKey:     "merchant-key",
		GatewayURL: "https://gateway.example.com/pay/unifiedorder",
	})

	values := url.Values{}
	values.Set("out_trade_no", "PAY-abc")
	values.Set("transaction_id", "wx-tx-1")
	values.Set("result_code", "SUCCESS")
	values.Set("total_fee", "280000")
	values.Set("sign", adapter.sign(values))

	if got := adapter.VerifyCallback(values); got != AuthVerified {
		t.Fatalf("expected AuthVerified, got %v", got)
	}

	values.Set("total_fee", "1")
	if got := adapter.VerifyCallback(values); got != AuthFailed {
		t.Fatalf("expected AuthFailed after tamper, got %v", got)
	}

	cb, err := adapter.ParseCallback(values)
	if err != nil {
		t.Fatalf("parse callback: %v", err)
	}
	if cb.TransactionID != "wx-tx-1" || !cb.Succeeded {
		t.Fatalf("unexpected callback: %+v", cb)
	}
}

func TestWechat_CreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"return_code":"SUCCESS","result_code":"SUCCESS","prepay_id":"pp-1","mweb_url":"https://pay.example.com/h5"}`))
	}))
	defer srv.Close()

	adapter := NewWechat(config.WechatConfig{
		AppID:      "wxapp",
		MerchantID: "mch-1",
		APIKey:     "merchant-key",
		GatewayURL: srv.URL,
	})

	res, err := adapter.CreateOrder(context.Background(), CreateOrderParams{
		OrderRef: "PAY-abc",
		Amount:   280000,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if res.PaymentURL != "https://pay.example.com/h5" || res.ProviderOrderID != "pp-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestWechat_CreateOrderGatewayRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"return_code":"SUCCESS","result_code":"FAIL","err_code_des":"insufficient merchant quota"}`))
	}))
	defer srv.Close()

	adapter := NewWechat(config.WechatConfig{GatewayURL: srv.URL})

	_, err := adapter.CreateOrder(context.Background(), CreateOrderParams{OrderRef: "PAY-x", Amount: 100})
	if err == nil {
		t.Fatal("expected provider error")
	}
	pe, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.Message != "insufficient merchant quota" {
		t.Fatalf("expected provider message to surface, got %q", pe.Message)
	}
}

func TestCard_CreateOrderAndWebhookSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_123","client_secret":"pi_123_secret","status":"requires_confirmation"}`))
	}))
	defer srv.Close()

	adapter := NewCard(config.CardConfig{
		APIKey:        "sk_test",
		WebhookSecret: "whsec_test",
		BaseURL:       srv.URL,
	})

	res, err := adapter.CreateOrder(context.Background(), CreateOrderParams{
		OrderRef: "PAY-abc",
		UserID:   "u1",
		Amount:   280000,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if res.ClientSecret != "pi_123_secret" || res.ProviderOrderID != "pi_123" {
		t.Fatalf("unexpected result: %+v", res)
	}

	values := url.Values{}
	values.Set("reference", "PAY-abc")
	values.Set("payment_intent", "pi_123")
	values.Set("status", "succeeded")
	values.Set("amount", "280000")

	if got := adapter.VerifyCallback(values); got != AuthFailed {
		t.Fatalf("expected AuthFailed without signature, got %v", got)
	}

	values.Set("signature", cardTestSignature(t, "whsec_test", values))
	if got := adapter.VerifyCallback(values); got != AuthVerified {
		t.Fatalf("expected AuthVerified, got %v", got)
	}

	cb, err := adapter.ParseCallback(values)
	if err != nil {
		t.Fatalf("parse callback: %v", err)
	}
	if cb.Amount != 280000 || !cb.Succeeded {
		t.Fatalf("unexpected callback: %+v", cb)
	}
}

func cardTestSignature(t *testing.T, secret string, values url.Values) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalString(values, "signature")))
	return hex.EncodeToString(mac.Sum(nil))
}
