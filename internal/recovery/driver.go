// Package recovery is the Anastasis recovery driver (spec §4.F): it
// downloads one account's recovery document, materializes its
// challenges and policies in memory, and fires the core-secret
// callback exactly once a quorum of challenges for any one policy is
// solved.
package recovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/anastasis-go/anastasis/internal/challenge"
	"github.com/anastasis-go/anastasis/internal/crockford"
	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/provider"
)

// maxDocumentBytes bounds the inflated document size; spec §4.F step
// 6 names "document too big" as a distinct failure mode.
const maxDocumentBytes = 16 << 20

// FailureKind enumerates the download/parse failure modes of spec
// §4.F step 6, delivered through the core-secret callback.
type FailureKind int

const (
	FailurePolicyDownloadFailed FailureKind = iota
	FailurePolicyNotFound
	FailurePolicyExpired
	FailureDocumentTooBig
	FailureBadCompression
	FailureNotJSON
	FailureMalformedJSON
	FailureServerError
)

// CoreSecretResult is what the core-secret callback receives: either
// the recovered secret, or a failure detail.
type CoreSecretResult struct {
	Secret  []byte
	Failure *FailureKind
	Detail  string
}

// Driver implements spec §4.F.
type Driver struct {
	mu sync.Mutex

	client *provider.Client
	userID [32]byte

	challenges          []*model.Challenge
	runners             []*challenge.Runner
	policies            []model.DecryptionPolicy
	keyShares           map[int][32]byte // challenge index -> gathered plaintext key share
	encryptedCoreSecret []byte

	secretFired bool

	policyCallback     func(challenges []model.Challenge)
	coreSecretCallback func(CoreSecretResult)
}

// New constructs a Driver bound to one account's identifier. Both
// callbacks are invoked only from within whatever goroutine calls
// Download or a challenge.Runner's Start/Answer/Poll, matching the
// single-event-loop ordering guarantee of spec §5.
func New(client *provider.Client, userID [32]byte, policyCallback func([]model.Challenge), coreSecretCallback func(CoreSecretResult)) *Driver {
	return &Driver{
		client:             client,
		userID:             userID,
		keyShares:          map[int][32]byte{},
		policyCallback:     policyCallback,
		coreSecretCallback: coreSecretCallback,
	}
}

// Download implements spec §4.F steps 1-4.
func (d *Driver) Download(ctx context.Context, providerURL string, version uint64) {
	accountPub := crockford.Encode(crypto.DeriveAccountKeyPair(d.userID).Public)
	res := d.client.GetPolicy(ctx, providerURL, accountPub, version)

	switch res.Kind {
	case provider.PolicyGetOK:
		// fall through to parse below
	case provider.PolicyGetNotModified:
		return
	case provider.PolicyGetUnknown:
		d.fail(FailurePolicyNotFound, "account unknown at provider")
		return
	case provider.PolicyGetGone:
		d.fail(FailurePolicyExpired, "policy expired or reaped")
		return
	default:
		d.fail(FailurePolicyDownloadFailed, "provider request failed")
		return
	}

	plaintext, err := crypto.DecryptRecoveryDocument(d.userID, res.Body)
	if err != nil {
		d.fail(FailurePolicyDownloadFailed, err.Error())
		return
	}
	if len(plaintext) < 4 {
		d.fail(FailureBadCompression, "framed document shorter than length prefix")
		return
	}
	plainLen := binary.BigEndian.Uint32(plaintext[:4])
	if uint64(plainLen) > maxDocumentBytes {
		d.fail(FailureDocumentTooBig, "declared plaintext length exceeds limit")
		return
	}

	r := flate.NewReader(bytes.NewReader(plaintext[4:]))
	defer r.Close()
	inflated, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		d.fail(FailureBadCompression, err.Error())
		return
	}
	if len(inflated) > maxDocumentBytes {
		d.fail(FailureDocumentTooBig, "inflated document exceeds limit")
		return
	}
	if len(inflated) != int(plainLen) {
		d.fail(FailureBadCompression, "inflated length does not match declared length prefix")
		return
	}

	var doc model.RecoveryDocument
	if err := json.Unmarshal(inflated, &doc); err != nil {
		if !json.Valid(inflated) {
			d.fail(FailureNotJSON, err.Error())
		} else {
			d.fail(FailureMalformedJSON, err.Error())
		}
		return
	}

	d.materialize(doc)
}

// materialize implements spec §4.F step 3: build the Challenge array
// and the index-referencing DecryptionPolicy array, then notify the
// UI via the policy callback.
func (d *Driver) materialize(doc model.RecoveryDocument) {
	d.mu.Lock()

	d.encryptedCoreSecret = doc.EncryptedCoreSecret
	idxByUUID := map[[16]byte]int{}
	for _, m := range doc.EscrowMethods {
		c := &model.Challenge{
			UUID:         m.UUID,
			Type:         m.EscrowType,
			ProviderURL:  m.URL,
			Instructions: m.Instructions,
			TruthKey:     m.TruthKey,
			ProviderSalt: m.ProviderSalt,
			QuestionSalt: m.TruthSalt,
		}
		idx := len(d.challenges)
		d.challenges = append(d.challenges, c)
		idxByUUID[m.UUID] = idx

		runner := challenge.New(c, d.client, d.userID, d.makeOnSolved(idx))
		d.runners = append(d.runners, runner)
	}

	for _, p := range doc.Policies {
		dp := model.DecryptionPolicy{Salt: p.Salt, MasterKeyCipher: p.MasterKey}
		for _, uuid := range p.UUIDs {
			if idx, ok := idxByUUID[uuid]; ok {
				dp.ChallengeIdx = append(dp.ChallengeIdx, idx)
			}
		}
		d.policies = append(d.policies, dp)
	}

	challengesCopy := make([]model.Challenge, len(d.challenges))
	for i, c := range d.challenges {
		challengesCopy[i] = *c
	}
	d.mu.Unlock()

	if d.policyCallback != nil {
		d.policyCallback(challengesCopy)
	}
}

// Runner returns the challenge runner for challenge index i so the UI
// can drive it (spec §4.G).
func (d *Driver) Runner(i int) *challenge.Runner {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.runners) {
		return nil
	}
	return d.runners[i]
}

// Challenges returns a snapshot of every materialized challenge's
// public face.
func (d *Driver) Challenges() []model.Challenge {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Challenge, len(d.challenges))
	for i, c := range d.challenges {
		out[i] = *c
	}
	return out
}

func (d *Driver) makeOnSolved(idx int) func([32]byte) {
	return func(keyShare [32]byte) {
		d.onChallengeSolved(idx, keyShare)
	}
}

// onChallengeSolved implements spec §4.F step 5: record the key
// share, then scan every policy for completeness.
func (d *Driver) onChallengeSolved(idx int, keyShare [32]byte) {
	d.mu.Lock()
	if d.secretFired {
		d.mu.Unlock()
		return
	}
	d.keyShares[idx] = keyShare

	var completed *model.DecryptionPolicy
	for i := range d.policies {
		p := &d.policies[i]
		if d.policyComplete(p) {
			completed = p
			break
		}
	}
	if completed == nil {
		d.mu.Unlock()
		return
	}

	shares := make([][32]byte, len(completed.ChallengeIdx))
	for i, ci := range completed.ChallengeIdx {
		shares[i] = d.keyShares[ci]
	}
	d.secretFired = true
	runnersToCancel := append([]*challenge.Runner(nil), d.runners...)
	d.mu.Unlock()

	policyKey, err := crypto.DerivePolicyKey(shares, completed.Salt)
	if err != nil {
		d.coreSecretCallback(CoreSecretResult{Detail: err.Error()})
		return
	}

	d.mu.Lock()
	encCore := d.encryptedCoreSecret
	d.mu.Unlock()

	secret, err := crypto.RecoverCoreSecret(completed.MasterKeyCipher, policyKey, encCore)
	if err != nil {
		d.coreSecretCallback(CoreSecretResult{Detail: err.Error()})
		return
	}

	for _, r := range runnersToCancel {
		r.Cancel()
	}
	d.coreSecretCallback(CoreSecretResult{Secret: secret})
}

func (d *Driver) policyComplete(p *model.DecryptionPolicy) bool {
	for _, idx := range p.ChallengeIdx {
		if _, ok := d.keyShares[idx]; !ok {
			return false
		}
	}
	return len(p.ChallengeIdx) > 0
}

func (d *Driver) fail(kind FailureKind, detail string) {
	k := kind
	if d.coreSecretCallback != nil {
		d.coreSecretCallback(CoreSecretResult{Failure: &k, Detail: detail})
	}
}

// Abort implements "recovery_abort" (spec testable property 9): cancel
// every outstanding challenge and suppress any future core-secret
// callback.
func (d *Driver) Abort() {
	d.mu.Lock()
	d.secretFired = true
	runners := append([]*challenge.Runner(nil), d.runners...)
	d.mu.Unlock()
	for _, r := range runners {
		r.Cancel()
	}
}
