package challenge

import "errors"

var (
	errTerminal     = errors.New("challenge: already in a terminal state")
	errNoPinRecorded = errors.New("challenge: poll called before an answer pin was recorded")
	errRateLimited  = errors.New("challenge: rate limited")
	errAuthTimeout  = errors.New("challenge: auth timeout, retry later with poll")
	errTruthUnknown = errors.New("challenge: truth unknown or rejected")
	errServer       = errors.New("challenge: server error")
)
