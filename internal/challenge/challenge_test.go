package challenge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anastasis-go/anastasis/internal/crockford"
	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/provider"
)

func newTestChallenge(t *testing.T, providerURL string) (*model.Challenge, [32]byte) {
	t.Helper()
	userID, err := crypto.RandomKey32()
	if err != nil {
		t.Fatalf("RandomKey32: %v", err)
	}
	truthKey, err := crypto.RandomKey32()
	if err != nil {
		t.Fatalf("RandomKey32: %v", err)
	}
	return &model.Challenge{
		UUID:        [16]byte{9, 9, 9},
		Type:        "sms",
		ProviderURL: providerURL,
		TruthKey:    truthKey,
	}, userID
}

func TestRunnerStartSolvesOnOK(t *testing.T) {
	c, userID := newTestChallenge(t, "")
	keyShare, err := crypto.RandomKey32()
	if err != nil {
		t.Fatalf("RandomKey32: %v", err)
	}
	encShare, err := crypto.EncryptKeyShare(keyShare, userID, nil)
	if err != nil {
		t.Fatalf("EncryptKeyShare: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(crockford.Encode(encShare)))
	}))
	defer srv.Close()
	c.ProviderURL = srv.URL

	var solved [32]byte
	var solvedCalled bool
	r := New(c, provider.New(), userID, func(ks [32]byte) {
		solved = ks
		solvedCalled = true
	})

	if err := r.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.State() != StateSolved {
		t.Fatalf("expected StateSolved, got %v", r.State())
	}
	if !solvedCalled {
		t.Fatalf("onSolved callback was not invoked")
	}
	if solved != keyShare {
		t.Fatalf("onSolved received the wrong key share")
	}
	if !c.Solved || c.KeyShare != keyShare {
		t.Fatalf("challenge struct was not updated in place")
	}
}

func TestRunnerAnswerWrongAnswerFails(t *testing.T) {
	c, userID := newTestChallenge(t, "")
	c.Type = "question"
	c.QuestionSalt = []byte("salt")

	keyShare, _ := crypto.RandomKey32()
	rightHash := crypto.HashSecurityAnswer("correct", c.UUID, c.QuestionSalt)
	encShare, err := crypto.EncryptKeyShare(keyShare, userID, &rightHash)
	if err != nil {
		t.Fatalf("EncryptKeyShare: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(crockford.Encode(encShare)))
	}))
	defer srv.Close()
	c.ProviderURL = srv.URL

	r := New(c, provider.New(), userID, nil)
	if err := r.Answer(context.Background(), "wrong", 0); err != crypto.ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed for a wrong answer, got %v", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", r.State())
	}
}

func TestRunnerPaymentRequiredExposesPayURIAndSecret(t *testing.T) {
	c, userID := newTestChallenge(t, "")
	var secret [32]byte
	secret[0] = 7
	payURI := "taler://pay/merchant.example/" + crockford.Encode(secret[:]) + "/order"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Taler", payURI)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()
	c.ProviderURL = srv.URL

	r := New(c, provider.New(), userID, nil)
	if err := r.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.State() != StatePaymentRequired {
		t.Fatalf("expected StatePaymentRequired, got %v", r.State())
	}
	if r.PayURI() != payURI {
		t.Fatalf("PayURI mismatch: got %q", r.PayURI())
	}
	if r.PaySecret() != secret {
		t.Fatalf("PaySecret mismatch")
	}
}

func TestRunnerAwaitExternalThenPoll(t *testing.T) {
	c, userID := newTestChallenge(t, "")
	keyShare, _ := crypto.RandomKey32()
	encShare, err := crypto.EncryptKeyShare(keyShare, userID, nil)
	if err != nil {
		t.Fatalf("EncryptKeyShare: %v", err)
	}

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"pin":"42"}`))
			return
		}
		if r.URL.Query().Get("response") == "" {
			t.Fatalf("expected Poll to re-present the recorded pin as the response parameter")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(crockford.Encode(encShare)))
	}))
	defer srv.Close()
	c.ProviderURL = srv.URL

	r := New(c, provider.New(), userID, nil)
	if err := r.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.State() != StateAwaitExternal {
		t.Fatalf("expected StateAwaitExternal, got %v", r.State())
	}
	if err := r.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if r.State() != StateSolved {
		t.Fatalf("expected StateSolved after Poll, got %v", r.State())
	}
}

func TestRunnerDispatchRejectsTerminalState(t *testing.T) {
	c, userID := newTestChallenge(t, "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c.ProviderURL = srv.URL

	r := New(c, provider.New(), userID, nil)
	if err := r.Start(context.Background(), 0); err != errTruthUnknown {
		t.Fatalf("expected errTruthUnknown, got %v", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", r.State())
	}
	if err := r.Start(context.Background(), 0); err != errTerminal {
		t.Fatalf("expected errTerminal on a retry after failure, got %v", err)
	}
}
