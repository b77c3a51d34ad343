package reducer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"

	"github.com/anastasis-go/anastasis/internal/catalog"
	"github.com/anastasis-go/anastasis/internal/crockford"
	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/provider"
	"github.com/anastasis-go/anastasis/internal/validation"
)

// frameRecoveryDoc replicates the sharer package's private wire framing
// (4-byte BE plaintext length, then a raw deflate stream) so this test
// can hand-assemble a document; the sharer's frame helper is
// unexported, so it cannot be called from this package.
func frameRecoveryDoc(t *testing.T, doc model.RecoveryDocument) []byte {
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

func TestRecoveryFlowReachesFinishedWithOneOfOnePolicy(t *testing.T) {
	attrs := map[string]string{"full_name": "Jane Doe"}
	providerSalt := []byte("0123456789abcdef")
	userID := crypto.DeriveUserIdentifier(attrs, providerSalt)

	var uuid [16]byte
	uuid[0] = 7
	truthKey, err := crypto.RandomKey32()
	if err != nil {
		t.Fatalf("RandomKey32: %v", err)
	}
	keyShare, err := crypto.RandomKey32()
	if err != nil {
		t.Fatalf("RandomKey32: %v", err)
	}
	policySalt := []byte("policy-salt")
	policyKey, err := crypto.DerivePolicyKey([][32]byte{keyShare}, policySalt)
	if err != nil {
		t.Fatalf("DerivePolicyKey: %v", err)
	}
	coreSecret := []byte("the recovered vault contents")
	enc, err := crypto.EncryptCoreSecret([][32]byte{policyKey}, coreSecret)
	if err != nil {
		t.Fatalf("EncryptCoreSecret: %v", err)
	}
	encShare, err := crypto.EncryptKeyShare(keyShare, userID, nil)
	if err != nil {
		t.Fatalf("EncryptKeyShare: %v", err)
	}

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/config":
			w.Write([]byte(`{"business_name":"acme","currency":"KUDOS","methods":[],` +
				`"storage_limit_in_megabytes":16,"annual_fee":"KUDOS:0","truth_upload_fee":"KUDOS:0",` +
				`"liability_limit":"KUDOS:0","salt":"` + crockford.Encode(providerSalt) + `"}`))
		case strings.HasPrefix(r.URL.Path, "/policy/"):
			doc := model.RecoveryDocument{
				SecretName:          "vault",
				EncryptedCoreSecret: enc.EncryptedCoreSecret,
				Policies: []model.RecoveryDocumentPolicy{
					{MasterKey: enc.EncryptedMasterKeys[0], Salt: policySalt, UUIDs: [][16]byte{uuid}},
				},
				EscrowMethods: []model.EscrowMethod{
					{UUID: uuid, URL: srv.URL, TruthKey: truthKey, EscrowType: "sms"},
				},
			}
			framed := frameRecoveryDoc(t, doc)
			ciphertext, err := crypto.EncryptRecoveryDocument(userID, framed)
			if err != nil {
				t.Fatalf("EncryptRecoveryDocument: %v", err)
			}
			w.Header().Set("Anastasis-Version", "1")
			w.Write(ciphertext)
		case strings.HasPrefix(r.URL.Path, "/truth/"):
			w.Write([]byte(crockford.Encode(encShare)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	sess := &Session{
		Client:     provider.New(),
		Catalog:    catalog.New(provider.New(), catalog.NewMemoryCache(), 0, zap.NewNop()),
		Countries:  testCountries(),
		Validators: validation.NewRegistry(),
	}
	d := New("")
	ctx := context.Background()

	state := State{"recovery_state": "CONTINENT_SELECTING"}
	state, derr := d.Dispatch(ctx, sess, ModeRecovery, state, "select_continent", map[string]any{"continent": "Europe"})
	if derr != nil {
		t.Fatalf("select_continent: %v", derr)
	}
	state, derr = d.Dispatch(ctx, sess, ModeRecovery, state, "select_country", map[string]any{"country_code": "CH"})
	if derr != nil {
		t.Fatalf("select_country: %v", derr)
	}
	state, derr = d.Dispatch(ctx, sess, ModeRecovery, state, "enter_user_attributes", map[string]any{
		"identity_attributes": map[string]any{"full_name": "Jane Doe"},
	})
	if derr != nil {
		t.Fatalf("enter_user_attributes: %v", derr)
	}
	if tag, _ := stateTag(ModeRecovery, state); tag != "SECRET_SELECTING" {
		t.Fatalf("expected SECRET_SELECTING, got %q", tag)
	}

	state, derr = d.Dispatch(ctx, sess, ModeRecovery, state, "select_secret", map[string]any{"provider_url": srv.URL})
	if derr != nil {
		t.Fatalf("select_secret: %v", derr)
	}
	if tag, _ := stateTag(ModeRecovery, state); tag != "CHALLENGE_SELECTING" {
		t.Fatalf("expected CHALLENGE_SELECTING, got %q", tag)
	}
	var challenges []model.Challenge
	if derr := decodeInto(state["challenges"], &challenges); derr != nil {
		t.Fatalf("decode challenges: %v", derr)
	}
	if len(challenges) != 1 {
		t.Fatalf("expected 1 materialized challenge, got %d", len(challenges))
	}

	state, derr = d.Dispatch(ctx, sess, ModeRecovery, state, "select_challenge", map[string]any{"challenge_index": float64(0)})
	if derr != nil {
		t.Fatalf("select_challenge: %v", derr)
	}
	if tag, _ := stateTag(ModeRecovery, state); tag != "RECOVERY_FINISHED" {
		t.Fatalf("expected RECOVERY_FINISHED, got %q", tag)
	}

	gotB64, _ := state["core_secret"].(string)
	got, err := base64.StdEncoding.DecodeString(gotB64)
	if err != nil {
		t.Fatalf("core_secret is not valid base64: %v", err)
	}
	if string(got) != string(coreSecret) {
		t.Fatalf("recovered secret mismatch: got %q want %q", got, coreSecret)
	}
}

func TestRecoverySelectSecretFailsOnUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	sess := &Session{
		Client:     provider.New(),
		Catalog:    catalog.New(provider.New(), catalog.NewMemoryCache(), 0, zap.NewNop()),
		Countries:  testCountries(),
		Validators: validation.NewRegistry(),
	}
	d := New("")
	ctx := context.Background()

	state := State{"recovery_state": "SECRET_SELECTING", "identity_attributes": map[string]any{"full_name": "Jane Doe"}}
	_, derr := d.Dispatch(ctx, sess, ModeRecovery, state, "select_secret", map[string]any{"provider_url": srv.URL})
	if derr == nil || derr.Code != CodePolicyUnknown {
		t.Fatalf("expected CodePolicyUnknown, got %+v", derr)
	}
}
