package provider

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"rentflow/config"
)

// Alipay implements the wallet rail that signs form callbacks with RSA2
// (SHA256WithRSA) and redirects the payer through a gateway-hosted page.
// Order creation is a local operation: the payment URL is a signed query
// against the gateway, no remote round trip is needed.
type Alipay struct {
	appID      string
	gatewayURL string
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	log        *zap.Logger
	now        func() time.Time
}

// Trade statuses that mean the buyer's money has been captured.
const (
	alipayTradeSuccess  = "TRADE_SUCCESS"
	alipayTradeFinished = "TRADE_FINISHED"
)

func NewAlipay(cfg config.AlipayConfig, log *zap.Logger) (*Alipay, error) {
	a := &Alipay{
		appID:      cfg.AppID,
		gatewayURL: cfg.GatewayURL,
		log:        log,
		now:        time.Now,
	}

	if cfg.PublicKeyPEM != "" {
		pub, err := parseRSAPublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("provider: alipay public key: %w", err)
		}
		a.publicKey = pub
	}
	if cfg.PrivateKeyPEM != "" {
		priv, err := parseRSAPrivateKey(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("provider: alipay private key: %w", err)
		}
		a.privateKey = priv
	}

	return a, nil
}

func (a *Alipay) Method() string { return MethodAlipay }

// CreateOrder builds the signed page-pay URL the tenant's browser is sent to.
func (a *Alipay) CreateOrder(_ context.Context, params CreateOrderParams) (CreateOrderResult, error) {
	bizContent, err := json.Marshal(map[string]string{
		"out_trade_no": params.OrderRef,
		"total_amount": formatAmount(params.Amount),
		"subject":      params.Description,
		"product_code": "FAST_INSTANT_TRADE_PAY",
	})
	if err != nil {
		return CreateOrderResult{}, &Error{Method: MethodAlipay, Message: "encode biz_content", Err: err}
	}

	values := url.Values{}
	values.Set("app_id", a.appID)
	values.Set("method", "alipay.trade.page.pay")
	values.Set("charset", "utf-8")
	values.Set("sign_type", "RSA2")
	values.Set("timestamp", a.now().Format("2006-01-02 15:04:05"))
	values.Set("version", "1.0")
	values.Set("notify_url", params.NotifyURL)
	values.Set("return_url", params.ReturnURL)
	values.Set("biz_content", string(bizContent))

	if a.privateKey != nil {
		sig, err := a.sign(canonicalString(values, "sign"))
		if err != nil {
			return CreateOrderResult{}, &Error{Method: MethodAlipay, Message: "sign order", Err: err}
		}
		values.Set("sign", sig)
	} else {
		a.log.Warn("alipay order created without request signing; no private key configured",
			zap.String("order_ref", params.OrderRef))
	}

	return CreateOrderResult{
		ProviderOrderID: params.OrderRef,
		PaymentURL:      a.gatewayURL + "?" + values.Encode(),
	}, nil
}

// VerifyCallback checks the RSA2 signature on an async notify or return
// redirect. Without a configured public key it degrades to accept; the
// caller is responsible for making that loud.
func (a *Alipay) VerifyCallback(values url.Values) CallbackAuth {
	if a.publicKey == nil {
		return AuthUnverified
	}

	sig, err := base64.StdEncoding.DecodeString(values.Get("sign"))
	if err != nil {
		return AuthFailed
	}

	digest := sha256.Sum256([]byte(canonicalString(values, "sign", "sign_type")))
	if err := rsa.VerifyPKCS1v15(a.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return AuthFailed
	}
	return AuthVerified
}

// ParseCallback normalizes alipay trade parameters.
func (a *Alipay) ParseCallback(values url.Values) (Callback, error) {
	ref := values.Get("out_trade_no")
	if ref == "" {
		return Callback{}, fmt.Errorf("provider: alipay callback missing out_trade_no")
	}

	cb := Callback{
		OrderRef:      ref,
		TransactionID: values.Get("trade_no"),
		RawStatus:     values.Get("trade_status"),
	}
	cb.Succeeded = cb.RawStatus == alipayTradeSuccess || cb.RawStatus == alipayTradeFinished

	if amt := values.Get("total_amount"); amt != "" {
		minor, err := minorUnits(amt)
		if err != nil {
			return Callback{}, err
		}
		cb.Amount = minor
	}

	return cb, nil
}

func (a *Alipay) sign(payload string) (string, error) {
	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func parseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return pub, nil
}

func parseRSAPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return priv, nil
}
