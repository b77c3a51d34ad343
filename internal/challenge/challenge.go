// Package challenge is the Anastasis challenge runner (spec §4.G): the
// per-challenge state machine that turns a GET /truth round trip into
// a released key share. One Runner is owned by exactly one recovery
// driver challenge slot; it never reaches across to sibling
// challenges or to the driver's policy array, only back through its
// onSolved callback (spec §9's "avoid owning back-pointers").
package challenge

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/anastasis-go/anastasis/internal/crypto"
	"github.com/anastasis-go/anastasis/internal/model"
	"github.com/anastasis-go/anastasis/internal/payment"
	"github.com/anastasis-go/anastasis/internal/provider"
)

// State is one node of the §4.G state diagram.
type State int

const (
	StateUnstarted State = iota
	StatePending
	StatePaymentRequired
	StateAwaitExternal
	StateAwaitRedirect
	StateNeedUserInput
	StateSolved
	StateFailed
	StateFailedAsync
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StatePending:
		return "pending"
	case StatePaymentRequired:
		return "payment_required"
	case StateAwaitExternal:
		return "await_external"
	case StateAwaitRedirect:
		return "await_redirect"
	case StateNeedUserInput:
		return "need_user_input"
	case StateSolved:
		return "solved"
	case StateFailed:
		return "failed"
	case StateFailedAsync:
		return "failed_async"
	default:
		return "unknown"
	}
}

// externalInstructions is the payload an async (202) /truth response
// carries: a server-issued pin the client re-presents verbatim on
// every subsequent poll, until the server is ready to answer 200 or a
// terminal failure. The wire format is not otherwise specified by the
// provider protocol, so a numeric pin re-sent as the `response`
// parameter is the simplest contract that satisfies it.
type externalInstructions struct {
	Pin string `json:"pin"`
}

// Runner drives one Challenge through the state machine of spec §4.G.
type Runner struct {
	mu sync.Mutex

	challenge *model.Challenge
	client    *provider.Client
	userID    [32]byte

	state       State
	cancel      context.CancelFunc
	answerPin   []byte
	payURI      string
	paySecret   [32]byte
	redirectURL string
	instructions string

	onSolved func(keyShare [32]byte)
}

// New wraps c (owned by the caller's Challenge array) in a Runner.
// onSolved is invoked exactly once, synchronously, the instant the
// challenge transitions to SOLVED.
func New(c *model.Challenge, client *provider.Client, userID [32]byte, onSolved func([32]byte)) *Runner {
	return &Runner{challenge: c, client: client, userID: userID, onSolved: onSolved, state: StateUnstarted}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Details is the public face of spec §4.F step 3: {uuid, type,
// provider_url, instructions, solved, async}.
func (r *Runner) Details() model.Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.challenge
}

// Start issues the first GET /truth for challenge types that need no
// answer up front (everything except "question", which goes through
// Answer instead).
func (r *Runner) Start(ctx context.Context, timeoutMS int) error {
	return r.dispatch(ctx, nil, nil, timeoutMS)
}

// Answer hashes a UTF-8 security-question answer and retries the
// challenge with the hash as the response parameter.
func (r *Runner) Answer(ctx context.Context, answer string, timeoutMS int) error {
	h := crypto.HashSecurityAnswer(answer, r.challenge.UUID, r.challenge.QuestionSalt)
	return r.dispatch(ctx, &h, &h, timeoutMS)
}

// AnswerNumeric hashes a numeric code (e.g. an SMS TAN) the same way
// and sends it as the response parameter. The released key share is
// decrypted without an answer: only question-type shares are bound to one.
func (r *Runner) AnswerNumeric(ctx context.Context, code uint64, timeoutMS int) error {
	h := crypto.HashNumericAnswer(code)
	return r.dispatch(ctx, &h, nil, timeoutMS)
}

// Poll resends the recorded answer pin for an AWAIT_EXTERNAL
// challenge until the server answers 200 or a terminal failure.
func (r *Runner) Poll(ctx context.Context) error {
	r.mu.Lock()
	pin := r.answerPin
	r.mu.Unlock()
	if pin == nil {
		return errNoPinRecorded
	}
	var response [32]byte
	copy(response[32-len(pin):], pin)
	return r.dispatch(ctx, &response, nil, 0)
}

// Cancel aborts any outstanding request. It leaves solved=false and
// is idempotent (spec §4.G "Cancellation is cooperative").
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// dispatch issues one GET /truth and applies the resulting state
// transition. response is the wire `response` query parameter (nil
// for opaque challenges with no answer); decryptAnswerHash is the
// answer hash the released key share was encrypted under, passed only
// for "question" type truths and nil for every other type.
func (r *Runner) dispatch(ctx context.Context, response *[32]byte, decryptAnswerHash *[32]byte, timeoutMS int) error {
	r.mu.Lock()
	if r.state == StateSolved || r.state == StateFailed {
		r.mu.Unlock()
		return errTerminal
	}
	reqCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state = StatePending
	r.mu.Unlock()
	defer cancel()

	res := r.client.GetTruth(reqCtx, r.challenge.ProviderURL, r.challenge.UUID, response, r.challenge.TruthKey, timeoutMS)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = nil

	switch res.Kind {
	case provider.TruthGetOK:
		keyShare, err := crypto.DecryptKeyShare(res.EncryptedKeyShare, r.userID, decryptAnswerHash)
		if err != nil {
			r.state = StateFailed
			return err
		}
		r.challenge.Solved = true
		r.challenge.KeyShare = keyShare
		r.state = StateSolved
		if r.onSolved != nil {
			r.onSolved(keyShare)
		}
		return nil
	case provider.TruthGetExternalInstructions:
		var ext externalInstructions
		if err := json.Unmarshal(res.ExternalBody, &ext); err == nil && ext.Pin != "" {
			if n, err := strconv.ParseUint(ext.Pin, 10, 64); err == nil {
				pin := make([]byte, 8)
				for i := 7; i >= 0; i-- {
					pin[i] = byte(n)
					n >>= 8
				}
				r.answerPin = pin
			}
		}
		r.challenge.Async = true
		r.state = StateAwaitExternal
		return nil
	case provider.TruthGetRedirect:
		r.redirectURL = res.RedirectURL
		r.state = StateAwaitRedirect
		return nil
	case provider.TruthGetPaymentRequired:
		secret, err := payment.ParsePayURI(res.PayURI)
		if err != nil {
			r.state = StateFailed
			return err
		}
		r.payURI = res.PayURI
		r.paySecret = secret
		r.state = StatePaymentRequired
		return nil
	case provider.TruthGetChallengeInstructions:
		r.instructions = string(res.ChallengeBody)
		r.state = StateNeedUserInput
		return nil
	case provider.TruthGetRateLimited:
		r.state = StateFailed
		return errRateLimited
	case provider.TruthGetAuthTimeout:
		r.state = StateFailedAsync
		return errAuthTimeout
	case provider.TruthGetUnknown, provider.TruthGetRejected:
		r.state = StateFailed
		return errTruthUnknown
	default:
		r.state = StateFailed
		return errServer
	}
}

// PayURI and PaySecret surface the PAYMENT_REQUIRED detail to the UI.
func (r *Runner) PayURI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payURI
}

func (r *Runner) PaySecret() [32]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paySecret
}

func (r *Runner) RedirectURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirectURL
}

func (r *Runner) Instructions() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instructions
}
