package provider

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"rentflow/config"
)

// Wechat implements the wallet rail that signs parameters with an MD5 digest
// over a shared merchant key and creates orders through a unified-order
// gateway call.
type Wechat struct {
	appID      string
	merchantID string
	apiKey     string
	gatewayURL string
	client     *resty.Client
}

func NewWechat(cfg config.WechatConfig) *Wechat {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Wechat{
		appID:      cfg.AppID,
		merchantID: cfg.MerchantID,
		apiKey:     cfg.APIKey,
		gatewayURL: cfg.GatewayURL,
		client:     client,
	}
}

func (w *Wechat) Method() string { return MethodWechat }

type wechatOrderResponse struct {
	ReturnCode string `json:"return_code"`
	ResultCode string `json:"result_code"`
	PrepayID   string `json:"prepay_id"`
	MwebURL    string `json:"mweb_url"`
	ErrCodeDes string `json:"err_code_des"`
}

// CreateOrder places a unified order with the gateway and returns the
// web-pay URL the tenant is redirected to.
func (w *Wechat) CreateOrder(ctx context.Context, params CreateOrderParams) (CreateOrderResult, error) {
	values := url.Values{}
	values.Set("appid", w.appID)
	values.Set("mch_id", w.merchantID)
	values.Set("nonce_str", strings.ReplaceAll(uuid.NewString(), "-", ""))
	values.Set("out_trade_no", params.OrderRef)
	values.Set("total_fee", strconv.FormatInt(params.Amount, 10))
	values.Set("body", params.Description)
	values.Set("notify_url", params.NotifyURL)
	values.Set("trade_type", "MWEB")
	values.Set("sign", w.sign(values))

	body := make(map[string]string, len(values))
	for k := range values {
		body[k] = values.Get(k)
	}

	var out wechatOrderResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(w.gatewayURL)
	if err != nil {
		return CreateOrderResult{}, &Error{Method: MethodWechat, Message: "unified order call", Err: err}
	}
	if resp.IsError() {
		return CreateOrderResult{}, &Error{Method: MethodWechat, Message: fmt.Sprintf("gateway returned %s", resp.Status())}
	}
	if out.ReturnCode != "SUCCESS" || out.ResultCode != "SUCCESS" {
		msg := out.ErrCodeDes
		if msg == "" {
			msg = "order rejected by gateway"
		}
		return CreateOrderResult{}, &Error{Method: MethodWechat, Message: msg}
	}

	return CreateOrderResult{
		ProviderOrderID: out.PrepayID,
		PaymentURL:      out.MwebURL,
	}, nil
}

// VerifyCallback recomputes the MD5 parameter signature. Without a configured
// merchant key it degrades to accept.
func (w *Wechat) VerifyCallback(values url.Values) CallbackAuth {
	if w.apiKey == "" {
		return AuthUnverified
	}

	got := values.Get("sign")
	want := w.sign(values)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return AuthFailed
	}
	return AuthVerified
}

// ParseCallback normalizes wechat notify parameters. total_fee is already in
// minor units.
func (w *Wechat) ParseCallback(values url.Values) (Callback, error) {
	ref := values.Get("out_trade_no")
	if ref == "" {
		return Callback{}, fmt.Errorf("provider: wechat callback missing out_trade_no")
	}

	cb := Callback{
		OrderRef:      ref,
		TransactionID: values.Get("transaction_id"),
		RawStatus:     values.Get("result_code"),
	}
	cb.Succeeded = cb.RawStatus == "SUCCESS"

	if fee := values.Get("total_fee"); fee != "" {
		minor, err := strconv.ParseInt(fee, 10, 64)
		if err != nil {
			return Callback{}, fmt.Errorf("provider: wechat total_fee %q: %w", fee, err)
		}
		cb.Amount = minor
	}

	return cb, nil
}

func (w *Wechat) sign(values url.Values) string {
	payload := canonicalString(values, "sign") + "&key=" + w.apiKey
	sum := md5.Sum([]byte(payload))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
