package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anastasis-go/anastasis/internal/crockford"
)

func TestGetConfigParsesWireResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"business_name": "Test Provider",
			"version":       "1:0:0",
			"currency":      "KUDOS",
			"methods": []map[string]any{
				{"type": "question", "usage_fee": "KUDOS:0.50"},
			},
			"storage_limit_in_megabytes": 16,
			"annual_fee":                 "KUDOS:1.00",
			"truth_upload_fee":           "KUDOS:0.10",
			"liability_limit":            "KUDOS:100",
			"salt":                       crockford.Encode([]byte("some-salt-bytes!")),
		})
	}))
	defer srv.Close()

	c := New()
	res := c.GetConfig(context.Background(), srv.URL)
	if res.Kind != ConfigOK {
		t.Fatalf("expected ConfigOK, got %v (%s)", res.Kind, res.ErrDetail)
	}
	if res.Config.Currency != "KUDOS" || res.Config.StorageLimitMB != 16 {
		t.Fatalf("config not parsed correctly: %+v", res.Config)
	}
	if len(res.Config.Methods) != 1 || res.Config.Methods[0].Type != "question" {
		t.Fatalf("methods not parsed correctly: %+v", res.Config.Methods)
	}
	if res.Config.InvalidConfig {
		t.Fatalf("unexpected InvalidConfig: %s", res.Config.InvalidConfigReason)
	}
}

func TestGetConfigFlagsZeroStorageLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"currency":                    "KUDOS",
			"storage_limit_in_megabytes": 0,
		})
	}))
	defer srv.Close()

	c := New()
	res := c.GetConfig(context.Background(), srv.URL)
	if !res.Config.InvalidConfig {
		t.Fatalf("expected InvalidConfig for a zero storage limit")
	}
}

func TestGetConfigFlagsMismatchedFeeCurrency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"currency":                    "KUDOS",
			"storage_limit_in_megabytes": 16,
			"annual_fee":                  "EUR:1.00",
		})
	}))
	defer srv.Close()

	c := New()
	res := c.GetConfig(context.Background(), srv.URL)
	if !res.Config.InvalidConfig {
		t.Fatalf("expected InvalidConfig when a fee currency disagrees with the declared currency")
	}
}

func TestGetConfigNonOKStatusIsReportedOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New()
	res := c.GetConfig(context.Background(), srv.URL)
	if res.Kind != ConfigOK || !res.Config.Offline {
		t.Fatalf("expected an offline ConfigOK result for a non-200 status, got %+v", res)
	}
}

func TestGetTruthStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		header map[string]string
		body   string
		want   TruthGetResultKind
	}{
		{status: http.StatusOK, body: crockford.Encode([]byte("encrypted-key-share-bytes")), want: TruthGetOK},
		{status: http.StatusAccepted, body: `{"pin":"42"}`, want: TruthGetExternalInstructions},
		{status: http.StatusSeeOther, header: map[string]string{"Location": "https://idp.example/redirect"}, want: TruthGetRedirect},
		{status: http.StatusPaymentRequired, header: map[string]string{"Taler": "taler://pay/x/y"}, want: TruthGetPaymentRequired},
		{status: http.StatusForbidden, body: "<html>challenge form</html>", want: TruthGetChallengeInstructions},
		{status: http.StatusNotFound, want: TruthGetUnknown},
		{status: http.StatusRequestTimeout, want: TruthGetAuthTimeout},
		{status: http.StatusTooManyRequests, want: TruthGetRateLimited},
		{status: http.StatusExpectationFailed, want: TruthGetRejected},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range tc.header {
				w.Header().Set(k, v)
			}
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		}))
		c := New()
		res := c.GetTruth(context.Background(), srv.URL, [16]byte{1}, nil, [32]byte{2}, 0)
		srv.Close()
		if res.Kind != tc.want {
			t.Fatalf("status %d: got kind %v, want %v", tc.status, res.Kind, tc.want)
		}
	}
}

func TestPostTruthStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decoded wireTruthUpload
		if err := json.NewDecoder(r.Body).Decode(&decoded); err != nil {
			t.Fatalf("server failed to decode upload body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New()
	res := c.PostTruth(context.Background(), srv.URL, [16]byte{3}, TruthUploadBody{
		KeyshareData:         []byte("keyshare"),
		Type:                 "question",
		EncryptedTruth:       []byte("encrypted"),
		StorageDurationYears: 2,
	}, nil)
	if res.Kind != TruthPostOK {
		t.Fatalf("expected TruthPostOK, got %v", res.Kind)
	}
}
