// Package truth is the Anastasis truth uploader (spec §4.D): builds
// and POSTs one (key-share, challenge-datum) pair to one provider.
package truth

import (
	"context"

	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/payment"
	"github.com/anastasis-go/anastasis/internal/provider"
)

// Request describes one truth to be generated (if not already) and uploaded.
type Request struct {
	Existing     *model.Truth // non-nil on a payment-required retry
	ProviderURL  string
	Type         string
	Instructions string
	ChallengeFn  func(answerHash *[32]byte) []byte // builds the plaintext challenge datum, given the hashed answer for question-type truths
	Answer       string                            // raw UTF-8 answer, only for type == "question"
	ProviderSalt []byte
	StorageYears int
	UserID       [32]byte
}

// Outcome is the translated result of spec §4.D step 5.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	PaymentRequired
	Conflict
	ServerFailure
	TooLarge
)

type Outcome struct {
	Kind    OutcomeKind
	Truth   model.Truth
	PayURI  string
	Secret  [32]byte
	Detail  string
}

// Upload implements spec §4.D.
func Upload(ctx context.Context, client *provider.Client, req Request, paymentSecret *[32]byte) (Outcome, error) {
	t, answerHash, err := materialize(req)
	if err != nil {
		return Outcome{}, err
	}

	datum := req.ChallengeFn(answerHash)
	ciphertext, err := crypto.EncryptTruthDatum(t.Nonce, t.TruthKey[:], datum)
	if err != nil {
		return Outcome{}, err
	}
	t.EncryptedTruthDatum = ciphertext

	encShare, err := crypto.EncryptKeyShare(t.KeyShare, req.UserID, answerHash)
	if err != nil {
		return Outcome{}, err
	}
	t.EncryptedKeyShare = encShare

	res := client.PostTruth(ctx, req.ProviderURL, t.UUID, provider.TruthUploadBody{
		KeyshareData:         t.EncryptedKeyShare,
		Type:                 t.Type,
		EncryptedTruth:       t.EncryptedTruthDatum,
		StorageDurationYears: req.StorageYears,
	}, paymentSecret)

	switch res.Kind {
	case provider.TruthPostOK:
		return Outcome{Kind: Success, Truth: t}, nil
	case provider.TruthPostPaymentRequired:
		secret, err := payment.ParsePayURI(res.PayURI)
		if err != nil {
			return Outcome{Kind: ServerFailure, Truth: t, Detail: err.Error()}, nil
		}
		// Preserve all locally generated random material for a retry (spec §4.D).
		return Outcome{Kind: PaymentRequired, Truth: t, PayURI: res.PayURI, Secret: secret}, nil
	case provider.TruthPostConflict:
		return Outcome{Kind: Conflict, Truth: t}, nil
	case provider.TruthPostTooLarge:
		return Outcome{Kind: TooLarge, Truth: t}, nil
	default:
		return Outcome{Kind: ServerFailure, Truth: t}, nil
	}
}

// materialize implements spec §4.D steps 1-2: reuse the existing
// truth's random material on a retry, or generate fresh material and
// hash the question-type answer.
func materialize(req Request) (model.Truth, *[32]byte, error) {
	if req.Existing != nil {
		t := *req.Existing
		var answerHash *[32]byte
		if t.Type == "question" {
			h := crypto.HashSecurityAnswer(req.Answer, t.UUID, t.QuestionSalt)
			answerHash = &h
		}
		return t, answerHash, nil
	}

	uuid, err := crypto.RandomUUID16()
	if err != nil {
		return model.Truth{}, nil, err
	}
	truthKey, err := crypto.RandomKey32()
	if err != nil {
		return model.Truth{}, nil, err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return model.Truth{}, nil, err
	}
	keyShare, err := crypto.RandomKey32()
	if err != nil {
		return model.Truth{}, nil, err
	}

	t := model.Truth{
		UUID:         uuid,
		ProviderURL:  req.ProviderURL,
		Type:         req.Type,
		Instructions: req.Instructions,
		TruthKey:     truthKey,
		ProviderSalt: req.ProviderSalt,
		Nonce:        nonce,
		KeyShare:     keyShare,
	}

	var answerHash *[32]byte
	if req.Type == "question" {
		salt, err := crypto.RandomKey32()
		if err != nil {
			return model.Truth{}, nil, err
		}
		t.QuestionSalt = salt[:]
		h := crypto.HashSecurityAnswer(req.Answer, t.UUID, t.QuestionSalt)
		answerHash = &h
	}
	return t, answerHash, nil
}
