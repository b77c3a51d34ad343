package recovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/anastasis-go/anastasis/internal/challenge"
	"github.com/anastasis-go/anastasis/internal/crockford"
	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/provider"
)

// frameDocument replicates the §6 wire framing of the sharer package
// (4-byte BE plaintext length, then a raw deflate stream) so this test
// can hand-assemble a recovery document; the sharer's own frame
// helper is unexported, so it cannot be called from here.
func frameDocument(t *testing.T, doc model.RecoveryDocument) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var compressed bytes.Buffer
	w, _ := flate.NewWriter(&compressed, flate.BestCompression)
	if _, err := w.Write(raw); err != nil {
		t.Fatalf("flate write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flate close: %v", err)
	}
	out := make([]byte, 4+compressed.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(len(raw)))
	copy(out[4:], compressed.Bytes())
	return out
}

func TestDriverDownloadAndSolveTwoOfTwoPolicy(t *testing.T) {
	userID, err := crypto.RandomKey32()
	if err != nil {
		t.Fatalf("RandomKey32: %v", err)
	}

	var uuidA, uuidB [16]byte
	uuidA[0], uuidB[0] = 1, 2
	truthKeyA, _ := crypto.RandomKey32()
	truthKeyB, _ := crypto.RandomKey32()
	shareA, _ := crypto.RandomKey32()
	shareB, _ := crypto.RandomKey32()

	salt := []byte("policy-salt")
	policyKey, err := crypto.DerivePolicyKey([][32]byte{shareA, shareB}, salt)
	if err != nil {
		t.Fatalf("DerivePolicyKey: %v", err)
	}
	coreSecret := []byte("the protected secret")
	enc, err := crypto.EncryptCoreSecret([][32]byte{policyKey}, coreSecret)
	if err != nil {
		t.Fatalf("EncryptCoreSecret: %v", err)
	}

	encShareA, err := crypto.EncryptKeyShare(shareA, userID, nil)
	if err != nil {
		t.Fatalf("EncryptKeyShare A: %v", err)
	}
	encShareB, err := crypto.EncryptKeyShare(shareB, userID, nil)
	if err != nil {
		t.Fatalf("EncryptKeyShare B: %v", err)
	}

	truthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, crockford.Encode(uuidA[:])) {
			w.Write([]byte(crockford.Encode(encShareA)))
			return
		}
		w.Write([]byte(crockford.Encode(encShareB)))
	}))
	defer truthSrv.Close()

	doc := model.RecoveryDocument{
		SecretName:          "vault",
		EncryptedCoreSecret: enc.EncryptedCoreSecret,
		Policies: []model.RecoveryDocumentPolicy{
			{MasterKey: enc.EncryptedMasterKeys[0], Salt: salt, UUIDs: [][16]byte{uuidA, uuidB}},
		},
		EscrowMethods: []model.EscrowMethod{
			{UUID: uuidA, URL: truthSrv.URL, TruthKey: truthKeyA, EscrowType: "sms"},
			{UUID: uuidB, URL: truthSrv.URL, TruthKey: truthKeyB, EscrowType: "sms"},
		},
	}
	framed := frameDocument(t, doc)
	ciphertext, err := crypto.EncryptRecoveryDocument(userID, framed)
	if err != nil {
		t.Fatalf("EncryptRecoveryDocument: %v", err)
	}

	policySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Anastasis-Version", "1")
		w.Write(ciphertext)
	}))
	defer policySrv.Close()

	var gotChallenges []model.Challenge
	var result CoreSecretResult
	resultCh := make(chan struct{}, 1)

	d := New(provider.New(), userID,
		func(chs []model.Challenge) { gotChallenges = chs },
		func(r CoreSecretResult) { result = r; resultCh <- struct{}{} },
	)

	d.Download(context.Background(), policySrv.URL, 0)
	if len(gotChallenges) != 2 {
		t.Fatalf("expected 2 materialized challenges, got %d", len(gotChallenges))
	}

	if err := d.Runner(0).Start(context.Background(), 0); err != nil {
		t.Fatalf("Runner(0).Start: %v", err)
	}
	if err := d.Runner(1).Start(context.Background(), 0); err != nil {
		t.Fatalf("Runner(1).Start: %v", err)
	}

	<-resultCh
	if result.Failure != nil {
		t.Fatalf("unexpected failure: %v (%s)", *result.Failure, result.Detail)
	}
	if string(result.Secret) != string(coreSecret) {
		t.Fatalf("recovered secret mismatch: got %q want %q", result.Secret, coreSecret)
	}
}

func TestDriverDownloadPolicyNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	userID, _ := crypto.RandomKey32()
	var result CoreSecretResult
	d := New(provider.New(), userID, nil, func(r CoreSecretResult) { result = r })
	d.Download(context.Background(), srv.URL, 0)

	if result.Failure == nil || *result.Failure != FailurePolicyNotFound {
		t.Fatalf("expected FailurePolicyNotFound, got %+v", result)
	}
}

func TestDriverDownloadRejectsLengthPrefixMismatch(t *testing.T) {
	userID, err := crypto.RandomKey32()
	if err != nil {
		t.Fatalf("RandomKey32: %v", err)
	}

	doc := model.RecoveryDocument{SecretName: "vault"}
	framed := frameDocument(t, doc)
	// Corrupt the declared plaintext length so it no longer matches what
	// the deflate stream actually inflates to.
	binary.BigEndian.PutUint32(framed[:4], binary.BigEndian.Uint32(framed[:4])+1)

	ciphertext, err := crypto.EncryptRecoveryDocument(userID, framed)
	if err != nil {
		t.Fatalf("EncryptRecoveryDocument: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Anastasis-Version", "1")
		w.Write(ciphertext)
	}))
	defer srv.Close()

	var result CoreSecretResult
	d := New(provider.New(), userID, nil, func(r CoreSecretResult) { result = r })
	d.Download(context.Background(), srv.URL, 0)

	if result.Failure == nil || *result.Failure != FailureBadCompression {
		t.Fatalf("expected FailureBadCompression for a mismatched length prefix, got %+v", result)
	}
}

func TestDriverAbortSuppressesFutureCallback(t *testing.T) {
	userID, _ := crypto.RandomKey32()
	called := false
	d := New(provider.New(), userID, nil, func(r CoreSecretResult) { called = true })

	var uuid [16]byte
	c := &model.Challenge{UUID: uuid, Type: "sms"}
	d.mu.Lock()
	d.challenges = append(d.challenges, c)
	d.runners = append(d.runners, challenge.New(c, provider.New(), userID, d.makeOnSolved(0)))
	d.mu.Unlock()

	d.Abort()
	d.onChallengeSolved(0, [32]byte{1})
	if called {
		t.Fatalf("core secret callback fired after Abort")
	}
}
