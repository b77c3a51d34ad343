// Package sharer is the Anastasis secret sharer (spec §4.E): builds
// one recovery document from all policies, encrypts and deflates it
// per provider, and POSTs it to every selected provider in parallel.
// Fan-out uses golang.org/x/sync/errgroup, the ecosystem-standard
// replacement for a hand-rolled sync.WaitGroup + error channel.
package sharer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/errgroup"

	"github.com/anastasis-go/anastasis/internal/crockford"
	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/payment"
	"github.com/anastasis-go/anastasis/internal/provider"
)

// Input is everything the sharer needs for one backup upload round
// (spec §4.E steps 1-5). PolicyKeys must already be derived (via
// crypto.DerivePolicyKey) from each policy's gathered truth key
// shares, in the same order as Policies — the sharer itself never
// sees plaintext key shares, only the keys they produce.
type Input struct {
	SecretName         string
	CoreSecret         []byte
	Policies           []model.Policy
	PolicyKeys         [][32]byte
	Methods            map[[16]byte]model.EscrowMethod // every distinct truth uuid referenced by Policies
	Providers          []string                        // distinct provider URLs across every policy
	PerProviderAccount map[string]crypto.AccountKeyPair
	StorageYears       int
}

// ShareStatus is the aggregated outcome of spec §4.E step 6.
type ShareStatus int

const (
	StatusSuccess ShareStatus = iota
	StatusPaymentRequired
	StatusProviderFailed
)

type ProviderSuccess struct {
	URL        string
	Version    uint64
	Expiration time.Time
}

type ProviderFailure struct {
	URL        string
	HTTPStatus int
	ErrorCode  string
}

// Result is the ShareResult of spec §4.E step 6.
type Result struct {
	Status          ShareStatus
	Providers       []ProviderSuccess
	PaymentRequests []model.PaymentRequest
	Failure         *ProviderFailure
}

// Share implements spec §4.E.
func Share(ctx context.Context, client *provider.Client, in Input, paymentSecrets map[string]*[32]byte) (Result, error) {
	if len(in.PolicyKeys) != len(in.Policies) {
		return Result{}, fmt.Errorf("sharer: have %d policy keys for %d policies", len(in.PolicyKeys), len(in.Policies))
	}

	doc, _, err := BuildDocument(in)
	if err != nil {
		return Result{}, err
	}

	framed := frame(doc)

	type perProvider struct {
		url        string
		ciphertext []byte
		sig        []byte
		hash       [32]byte
	}
	uploads := make([]perProvider, 0, len(in.Providers))
	for _, url := range in.Providers {
		kp, ok := in.PerProviderAccount[url]
		if !ok {
			continue
		}
		// The recovery document is encrypted under the user identifier
		// at each storing provider independently (spec §3), which in
		// turn determines that provider's account keypair.
		id := accountSeedToID(kp)
		ciphertext, err := crypto.EncryptRecoveryDocument(id, framed)
		if err != nil {
			return Result{}, err
		}
		sig := crypto.SignUpload(kp.Private, ciphertext)
		uploads = append(uploads, perProvider{
			url:        url,
			ciphertext: ciphertext,
			sig:        sig,
			hash:       sha256.Sum256(ciphertext),
		})
	}

	successes := make([]ProviderSuccess, len(uploads))
	payReqs := make([]model.PaymentRequest, len(uploads))
	failures := make([]*ProviderFailure, len(uploads))
	havePay := make([]bool, len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	for i, up := range uploads {
		i, up := i, up
		g.Go(func() error {
			var ps *[32]byte
			if paymentSecrets != nil {
				ps = paymentSecrets[up.url]
			}
			pub := in.PerProviderAccount[up.url].Public
			res := client.PostPolicy(gctx, up.url, crockford.Encode(pub), up.ciphertext, up.sig, up.hash, ps)
			switch res.Kind {
			case provider.PolicyPostOK, provider.PolicyPostUnchanged:
				successes[i] = ProviderSuccess{URL: up.url, Version: res.Version, Expiration: res.Expiration}
			case provider.PolicyPostPaymentRequired:
				secret, err := payment.ParsePayURI(res.PayURI)
				if err != nil {
					failures[i] = &ProviderFailure{URL: up.url, HTTPStatus: res.HTTPStatus, ErrorCode: "malformed_pay_uri"}
					return nil
				}
				payReqs[i] = model.PaymentRequest{ProviderURL: up.url, PayURI: res.PayURI, PaymentSecret: secret, RequestedAt: time.Now()}
				havePay[i] = true
			case provider.PolicyPostTooLarge:
				failures[i] = &ProviderFailure{URL: up.url, HTTPStatus: res.HTTPStatus, ErrorCode: "too_large"}
			default:
				failures[i] = &ProviderFailure{URL: up.url, HTTPStatus: res.HTTPStatus, ErrorCode: "provider_failed"}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := Result{}
	for i := range uploads {
		if failures[i] != nil {
			out.Status = StatusProviderFailed
			out.Failure = failures[i]
			return out, nil
		}
	}
	for i := range uploads {
		if havePay[i] {
			out.PaymentRequests = append(out.PaymentRequests, payReqs[i])
		} else {
			out.Providers = append(out.Providers, successes[i])
		}
	}
	if len(out.PaymentRequests) > 0 {
		out.Status = StatusPaymentRequired
	} else {
		out.Status = StatusSuccess
	}
	return out, nil
}

// BuildDocument implements spec §4.E steps 1-2: it produces the
// plaintext RecoveryDocument JSON and the CoreSecretEncryption used to
// populate it.
func BuildDocument(in Input) (model.RecoveryDocument, crypto.CoreSecretEncryption, error) {
	if len(in.PolicyKeys) != len(in.Policies) {
		return model.RecoveryDocument{}, crypto.CoreSecretEncryption{}, fmt.Errorf("sharer: have %d policy keys for %d policies", len(in.PolicyKeys), len(in.Policies))
	}
	enc, err := crypto.EncryptCoreSecret(in.PolicyKeys, in.CoreSecret)
	if err != nil {
		return model.RecoveryDocument{}, crypto.CoreSecretEncryption{}, err
	}

	doc := model.RecoveryDocument{
		SecretName:          in.SecretName,
		EncryptedCoreSecret: enc.EncryptedCoreSecret,
	}
	for i, p := range in.Policies {
		doc.Policies = append(doc.Policies, model.RecoveryDocumentPolicy{
			MasterKey: enc.EncryptedMasterKeys[i],
			Salt:      p.Salt,
			UUIDs:     p.TruthUUIDs,
		})
	}
	for _, m := range in.Methods {
		doc.EscrowMethods = append(doc.EscrowMethods, m)
	}
	return doc, enc, nil
}

// frame implements the §6 wire framing: 4-byte BE plaintext length
// followed by a raw (non-gzip) deflate stream of the canonical JSON.
func frame(doc model.RecoveryDocument) []byte {
	raw, _ := json.Marshal(doc)
	canon, err := jcs.Transform(raw)
	if err != nil {
		canon = raw
	}

	var compressed bytes.Buffer
	w, _ := flate.NewWriter(&compressed, flate.BestCompression)
	_, _ = w.Write(canon)
	_ = w.Close()

	out := make([]byte, 4+compressed.Len())
	binary.BigEndian.PutUint32(out[:4], uint32(len(canon)))
	copy(out[4:], compressed.Bytes())
	return out
}

func accountSeedToID(kp crypto.AccountKeyPair) [32]byte {
	var id [32]byte
	copy(id[:], kp.Private.Seed())
	return id
}
