// Package provider is the Anastasis provider client (spec §4.B): one
// cancellable async call per endpoint, yielding a typed result
// variant instead of raw HTTP status codes. Modelled on the teacher's
// internal/services/scanner.go TLS probing style (context-scoped
// net/http calls, typed outcomes written back rather than bubbled as
// generic errors) and internal/services/attestor.go's use of
// context.WithTimeout around a single outbound call.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anastasis-go/anastasis/internal/crockford"
	"github.com/anastasis-go/anastasis/internal/model"
)

// Client issues the four Anastasis provider endpoints over one
// *http.Client. It carries no mutable state beyond the transport, so
// one Client is safely reused across a whole session (spec §5: all
// reducer interactions funnel through a single event loop, so no
// locking is required here either).
type Client struct {
	HTTP *http.Client
}

func New() *Client {
	return &Client{HTTP: &http.Client{}}
}

// ConfigResult is the typed outcome of GET /config (spec §4.B).
type ConfigResult struct {
	Kind      ConfigResultKind
	Config    model.ProviderConfig
	ErrDetail string
}

type ConfigResultKind int

const (
	ConfigOK ConfigResultKind = iota
	ConfigTimeout
	ConfigMalformed
	ConfigTransportError
)

func (c *Client) GetConfig(ctx context.Context, providerURL string) ConfigResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, providerURL+"/config", nil)
	if err != nil {
		return ConfigResult{Kind: ConfigTransportError, ErrDetail: err.Error()}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ConfigResult{Kind: ConfigTimeout, ErrDetail: ctx.Err().Error()}
		}
		return ConfigResult{Kind: ConfigTransportError, ErrDetail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ConfigResult{Kind: ConfigTransportError, ErrDetail: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		cfg := model.ProviderConfig{URL: providerURL, HTTPStatus: resp.StatusCode, Offline: true}
		return ConfigResult{Kind: ConfigOK, Config: cfg}
	}

	var wire wireConfig
	if err := json.Unmarshal(body, &wire); err != nil {
		return ConfigResult{Kind: ConfigMalformed, ErrDetail: err.Error()}
	}
	cfg := wire.toModel(providerURL, resp.StatusCode)
	return ConfigResult{Kind: ConfigOK, Config: cfg}
}

type wireConfig struct {
	BusinessName   string `json:"business_name"`
	Version        string `json:"version"`
	Currency       string `json:"currency"`
	Methods        []struct {
		Type     string `json:"type"`
		UsageFee string `json:"usage_fee"`
	} `json:"methods"`
	StorageLimitMB uint32 `json:"storage_limit_in_megabytes"`
	AnnualFee      string `json:"annual_fee"`
	TruthUploadFee string `json:"truth_upload_fee"`
	LiabilityLimit string `json:"liability_limit"`
	Salt           string `json:"salt"`
}

// parseVersion reads a "current:revision:age" libtool-style version
// announcement (spec §4.C). A missing or malformed announcement
// parses as current=0, age=0 rather than erroring, since older
// providers predate this header.
func parseVersion(s string) (current, age uint32) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0
	}
	c, errC := strconv.ParseUint(parts[0], 10, 32)
	_, errR := strconv.ParseUint(parts[1], 10, 32)
	a, errA := strconv.ParseUint(parts[2], 10, 32)
	if errC != nil || errR != nil || errA != nil {
		return 0, 0
	}
	return uint32(c), uint32(a)
}

func parseAmount(s string) model.Amount {
	// Provider amounts are "$CURRENCY:$VALUE", the Taler convention.
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return model.Amount{Currency: s[:i], Value: s[i+1:]}
		}
	}
	return model.Amount{Currency: "", Value: s}
}

func (w wireConfig) toModel(url string, status int) model.ProviderConfig {
	methods := make([]model.ProviderMethod, 0, len(w.Methods))
	for _, m := range w.Methods {
		methods = append(methods, model.ProviderMethod{Type: m.Type, UsageFee: parseAmount(m.UsageFee)})
	}
	salt, _ := crockford.Decode(w.Salt)
	protoCurrent, protoAge := parseVersion(w.Version)
	cfg := model.ProviderConfig{
		URL:             url,
		BusinessName:    w.BusinessName,
		Currency:        w.Currency,
		Methods:         methods,
		StorageLimitMB:  w.StorageLimitMB,
		AnnualFee:       parseAmount(w.AnnualFee),
		TruthUploadFee:  parseAmount(w.TruthUploadFee),
		LiabilityLimit:  parseAmount(w.LiabilityLimit),
		Salt:            salt,
		ProtocolCurrent: protoCurrent,
		ProtocolAge:     protoAge,
		HTTPStatus:      status,
	}
	if cfg.StorageLimitMB == 0 {
		cfg.InvalidConfig = true
		cfg.InvalidConfigReason = "storage_limit_in_megabytes is zero"
	}
	for _, amt := range []model.Amount{cfg.AnnualFee, cfg.TruthUploadFee, cfg.LiabilityLimit} {
		if amt.Currency != "" && amt.Currency != cfg.Currency {
			cfg.InvalidConfig = true
			cfg.InvalidConfigReason = "fee currency does not match declared currency"
		}
	}
	return cfg
}

// PolicyGetResult is the typed outcome of GET /policy/{account_pub} (spec §4.B).
type PolicyGetResultKind int

const (
	PolicyGetOK PolicyGetResultKind = iota
	PolicyGetNotModified
	PolicyGetUnknown
	PolicyGetGone
	PolicyGetServerError
)

type PolicyGetResult struct {
	Kind       PolicyGetResultKind
	Body       []byte
	Version    uint64
	Signature  []byte
	HTTPStatus int
}

func (c *Client) GetPolicy(ctx context.Context, baseURL, accountPub string, version uint64) PolicyGetResult {
	u := baseURL + "/policy/" + accountPub
	if version > 0 {
		u += "?version=" + strconv.FormatUint(version, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PolicyGetResult{Kind: PolicyGetServerError}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return PolicyGetResult{Kind: PolicyGetServerError}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		ver, _ := strconv.ParseUint(resp.Header.Get("Anastasis-Version"), 10, 64)
		sig, _ := crockford.Decode(resp.Header.Get("Anastasis-Policy-Signature"))
		return PolicyGetResult{Kind: PolicyGetOK, Body: body, Version: ver, Signature: sig, HTTPStatus: resp.StatusCode}
	case http.StatusNotModified:
		return PolicyGetResult{Kind: PolicyGetNotModified, HTTPStatus: resp.StatusCode}
	case http.StatusNotFound:
		return PolicyGetResult{Kind: PolicyGetUnknown, HTTPStatus: resp.StatusCode}
	case http.StatusNoContent:
		return PolicyGetResult{Kind: PolicyGetGone, HTTPStatus: resp.StatusCode}
	default:
		return PolicyGetResult{Kind: PolicyGetServerError, HTTPStatus: resp.StatusCode}
	}
}

// PolicyPostResult is the typed outcome of POST /policy/{account_pub} (spec §4.B).
type PolicyPostResultKind int

const (
	PolicyPostOK PolicyPostResultKind = iota
	PolicyPostUnchanged
	PolicyPostPaymentRequired
	PolicyPostTooLarge
	PolicyPostServerError
)

type PolicyPostResult struct {
	Kind       PolicyPostResultKind
	Version    uint64
	Expiration time.Time
	PayURI     string
	HTTPStatus int
}

func (c *Client) PostPolicy(ctx context.Context, baseURL, accountPub string, body, signature []byte, ifNoneMatchHash [32]byte, paymentSecret *[32]byte) PolicyPostResult {
	u := baseURL + "/policy/" + accountPub
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return PolicyPostResult{Kind: PolicyPostServerError}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Anastasis-Policy-Signature", crockford.Encode(signature))
	req.Header.Set("If-None-Match", crockford.Encode(ifNoneMatchHash[:]))
	if paymentSecret != nil {
		req.Header.Set("Anastasis-Payment-Identifier", crockford.Encode(paymentSecret[:]))
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return PolicyPostResult{Kind: PolicyPostServerError}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		ver, _ := strconv.ParseUint(resp.Header.Get("Anastasis-Version"), 10, 64)
		expSecs, _ := strconv.ParseInt(resp.Header.Get("Anastasis-Policy-Expiration"), 10, 64)
		return PolicyPostResult{Kind: PolicyPostOK, Version: ver, Expiration: time.Unix(expSecs, 0), HTTPStatus: resp.StatusCode}
	case http.StatusNotModified:
		return PolicyPostResult{Kind: PolicyPostUnchanged, HTTPStatus: resp.StatusCode}
	case http.StatusPaymentRequired:
		return PolicyPostResult{Kind: PolicyPostPaymentRequired, PayURI: resp.Header.Get("Taler"), HTTPStatus: resp.StatusCode}
	case http.StatusRequestEntityTooLarge:
		return PolicyPostResult{Kind: PolicyPostTooLarge, HTTPStatus: resp.StatusCode}
	default:
		return PolicyPostResult{Kind: PolicyPostServerError, HTTPStatus: resp.StatusCode}
	}
}

// TruthGetResult is the typed outcome of GET /truth/{uuid} (spec §4.B).
type TruthGetResultKind int

const (
	TruthGetOK TruthGetResultKind = iota
	TruthGetExternalInstructions
	TruthGetRedirect
	TruthGetPaymentRequired
	TruthGetChallengeInstructions
	TruthGetUnknown
	TruthGetAuthTimeout
	TruthGetRateLimited
	TruthGetRejected
	TruthGetServerError
)

type TruthGetResult struct {
	Kind              TruthGetResultKind
	EncryptedKeyShare []byte
	ExternalBody      []byte
	RedirectURL       string
	PayURI            string
	ChallengeBody     []byte
	ChallengeMime     string
	HTTPStatus        int
}

func (c *Client) GetTruth(ctx context.Context, providerURL string, uuid [16]byte, response *[32]byte, truthKey [32]byte, timeoutMS int) TruthGetResult {
	u := providerURL + "/truth/" + crockford.Encode(uuid[:])
	q := url.Values{}
	if response != nil {
		q.Set("response", crockford.Encode(response[:]))
	}
	if timeoutMS > 0 {
		q.Set("timeout_ms", strconv.Itoa(timeoutMS))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return TruthGetResult{Kind: TruthGetServerError}
	}
	req.Header.Set("Truth-Decryption-Key", crockford.Encode(truthKey[:]))
	// A 303 is reported as TruthGetRedirect, so it must not be followed.
	hc := *c.HTTP
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TruthGetResult{Kind: TruthGetAuthTimeout}
		}
		return TruthGetResult{Kind: TruthGetServerError}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	switch resp.StatusCode {
	case http.StatusOK:
		ks, _ := crockford.Decode(string(body))
		return TruthGetResult{Kind: TruthGetOK, EncryptedKeyShare: ks, HTTPStatus: resp.StatusCode}
	case http.StatusAccepted:
		return TruthGetResult{Kind: TruthGetExternalInstructions, ExternalBody: body, HTTPStatus: resp.StatusCode}
	case http.StatusSeeOther:
		return TruthGetResult{Kind: TruthGetRedirect, RedirectURL: resp.Header.Get("Location"), HTTPStatus: resp.StatusCode}
	case http.StatusPaymentRequired:
		return TruthGetResult{Kind: TruthGetPaymentRequired, PayURI: resp.Header.Get("Taler"), HTTPStatus: resp.StatusCode}
	case http.StatusForbidden, 208:
		return TruthGetResult{Kind: TruthGetChallengeInstructions, ChallengeBody: body, ChallengeMime: resp.Header.Get("Content-Type"), HTTPStatus: resp.StatusCode}
	case http.StatusNotFound:
		return TruthGetResult{Kind: TruthGetUnknown, HTTPStatus: resp.StatusCode}
	case http.StatusRequestTimeout:
		return TruthGetResult{Kind: TruthGetAuthTimeout, HTTPStatus: resp.StatusCode}
	case http.StatusTooManyRequests:
		return TruthGetResult{Kind: TruthGetRateLimited, HTTPStatus: resp.StatusCode}
	case http.StatusExpectationFailed:
		return TruthGetResult{Kind: TruthGetRejected, HTTPStatus: resp.StatusCode}
	default:
		return TruthGetResult{Kind: TruthGetServerError, HTTPStatus: resp.StatusCode}
	}
}

// TruthPostResult is the typed outcome of POST /truth/{uuid} (spec §4.B).
type TruthPostResultKind int

const (
	TruthPostOK TruthPostResultKind = iota
	TruthPostPaymentRequired
	TruthPostConflict
	TruthPostTooLarge
	TruthPostServerError
)

type TruthPostResult struct {
	Kind       TruthPostResultKind
	PayURI     string
	HTTPStatus int
}

type TruthUploadBody struct {
	KeyshareData         []byte `json:"keyshare_data"`
	Type                 string `json:"type"`
	EncryptedTruth       []byte `json:"encrypted_truth"`
	TruthMime            string `json:"truth_mime,omitempty"`
	StorageDurationYears int    `json:"storage_duration_years"`
}

func (c *Client) PostTruth(ctx context.Context, providerURL string, uuid [16]byte, body TruthUploadBody, paymentSecret *[32]byte) TruthPostResult {
	raw, err := json.Marshal(wireTruthUpload{
		KeyshareData:         crockford.Encode(body.KeyshareData),
		Type:                 body.Type,
		EncryptedTruth:       crockford.Encode(body.EncryptedTruth),
		TruthMime:            body.TruthMime,
		StorageDurationYears: body.StorageDurationYears,
	})
	if err != nil {
		return TruthPostResult{Kind: TruthPostServerError}
	}
	u := providerURL + "/truth/" + crockford.Encode(uuid[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return TruthPostResult{Kind: TruthPostServerError}
	}
	req.Header.Set("Content-Type", "application/json")
	if paymentSecret != nil {
		req.Header.Set("Anastasis-Payment-Identifier", crockford.Encode(paymentSecret[:]))
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return TruthPostResult{Kind: TruthPostServerError}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return TruthPostResult{Kind: TruthPostOK, HTTPStatus: resp.StatusCode}
	case http.StatusPaymentRequired:
		return TruthPostResult{Kind: TruthPostPaymentRequired, PayURI: resp.Header.Get("Taler"), HTTPStatus: resp.StatusCode}
	case http.StatusConflict:
		return TruthPostResult{Kind: TruthPostConflict, HTTPStatus: resp.StatusCode}
	case http.StatusRequestEntityTooLarge:
		return TruthPostResult{Kind: TruthPostTooLarge, HTTPStatus: resp.StatusCode}
	default:
		return TruthPostResult{Kind: TruthPostServerError, HTTPStatus: resp.StatusCode}
	}
}

type wireTruthUpload struct {
	KeyshareData         string `json:"keyshare_data"`
	Type                 string `json:"type"`
	EncryptedTruth       string `json:"encrypted_truth"`
	TruthMime            string `json:"truth_mime,omitempty"`
	StorageDurationYears int    `json:"storage_duration_years"`
}
