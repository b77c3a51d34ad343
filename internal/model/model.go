// Package model holds the data types shared across the reducer,
// planner, uploader, sharer and recovery driver (spec §3).
package model

import "time"

// Truth is one (challenge, key-share) pair (spec §3 Truth).
type Truth struct {
	UUID                [16]byte `json:"uuid"`
	ProviderURL         string   `json:"provider_url"`
	Type                string   `json:"type"`
	Instructions        string   `json:"instructions"`
	TruthKey            [32]byte `json:"-"` // never serialized to the provider
	QuestionSalt        []byte   `json:"question_salt,omitempty"`
	ProviderSalt        []byte   `json:"provider_salt"`
	Nonce               []byte   `json:"nonce"`
	KeyShare            [32]byte `json:"-"`
	EncryptedTruthDatum []byte   `json:"encrypted_truth_datum"`
	EncryptedKeyShare   []byte   `json:"encrypted_key_share"`
}

// Policy is an unordered set of truth references plus a salt (spec §3 Policy).
type Policy struct {
	Salt       []byte     `json:"salt"`
	TruthUUIDs [][16]byte `json:"uuids"`
}

// EscrowMethod is everything needed to contact a provider and decrypt
// a released key share, except the user identifier (spec §3 Recovery document).
type EscrowMethod struct {
	UUID         [16]byte `json:"uuid"`
	URL          string   `json:"url"`
	Instructions string   `json:"instructions"`
	TruthKey     [32]byte `json:"truth_key"`
	TruthSalt    []byte   `json:"truth_salt"`
	ProviderSalt []byte   `json:"provider_salt"`
	EscrowType   string   `json:"escrow_type"`
}

// RecoveryDocumentPolicy is one policy as carried in the plaintext
// recovery document JSON (spec §6).
type RecoveryDocumentPolicy struct {
	MasterKey []byte     `json:"master_key"`
	Salt      []byte     `json:"salt"`
	UUIDs     [][16]byte `json:"uuids"`
}

// RecoveryDocument is the plaintext JSON schema of spec §6.
type RecoveryDocument struct {
	SecretName          string                   `json:"secret_name,omitempty"`
	Policies            []RecoveryDocumentPolicy `json:"policies"`
	EscrowMethods       []EscrowMethod           `json:"escrow_methods"`
	EncryptedCoreSecret []byte                   `json:"encrypted_core_secret"`
}

// ProviderMethod is one authentication method a provider supports,
// with its per-use fee (spec §3 Provider catalog entry).
type ProviderMethod struct {
	Type      string `json:"type"`
	UsageFee  Amount `json:"usage_fee"`
}

// Amount is a currency-tagged decimal value, carried as a string the
// way the provider's /config response does, to avoid floating point
// arithmetic on money.
type Amount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"` // fixed-point decimal, e.g. "1.50"
}

// ProviderConfig is a provider catalog entry (spec §3, §4.C).
type ProviderConfig struct {
	URL                 string           `json:"url"`
	BusinessName        string           `json:"business_name"`
	Currency            string           `json:"currency"`
	Methods             []ProviderMethod `json:"methods"`
	StorageLimitMB      uint32           `json:"storage_limit_in_megabytes"`
	AnnualFee           Amount           `json:"annual_fee"`
	TruthUploadFee      Amount           `json:"truth_upload_fee"`
	LiabilityLimit      Amount           `json:"liability_limit"`
	Salt                []byte           `json:"salt"`
	ProtocolCurrent     uint32           `json:"-"`
	ProtocolAge         uint32           `json:"-"`
	HTTPStatus          int              `json:"-"`
	Offline             bool             `json:"-"`
	InvalidConfig       bool             `json:"-"`
	InvalidConfigReason string           `json:"-"`
}

// MethodSupported reports whether this provider offers methodType and
// would accept a challenge datum of byteLen bytes once the 1024-byte
// safety margin from spec §4.H step 3 is added.
func (p ProviderConfig) MethodSupported(methodType string, byteLen int) bool {
	if p.Offline || p.InvalidConfig {
		return false
	}
	found := false
	for _, m := range p.Methods {
		if m.Type == methodType {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return uint64(byteLen+1024) <= uint64(p.StorageLimitMB)*1024*1024
}

// AuthMethod is one user-chosen authentication method offered to the
// planner (spec §4.H input M[0..m)).
type AuthMethod struct {
	Type         string `json:"type"`
	Instructions string `json:"instructions"`
	Challenge    []byte `json:"-"` // raw challenge datum, never serialized into state
	ByteLen      int    `json:"byte_len"`
}

// PolicyMethodRef names one (method, provider) assignment in a
// planner-emitted policy (spec §4.H step 8).
type PolicyMethodRef struct {
	AuthenticationMethod int    `json:"authentication_method"`
	Provider             string `json:"provider"`
}

// PolicySuggestion is one planner-emitted policy (spec §4.H step 8).
type PolicySuggestion struct {
	Methods []PolicyMethodRef `json:"methods"`
}

// PaymentRequest carries a pay URI and the payment secret extracted
// from it (spec §4.E step 7, §6 Payment URI grammar).
type PaymentRequest struct {
	ProviderURL   string    `json:"provider_url"`
	PayURI        string    `json:"pay_uri"`
	PaymentSecret [32]byte  `json:"-"`
	RequestedAt   time.Time `json:"requested_at"`
}

// Challenge is one escrow method materialized by the recovery driver
// (spec §4.F step 3, §4.G).
type Challenge struct {
	UUID         [16]byte `json:"uuid"`
	Type         string   `json:"type"`
	ProviderURL  string   `json:"provider_url"`
	Instructions string   `json:"instructions"`
	Solved       bool     `json:"solved"`
	Async        bool     `json:"async"`

	TruthKey     [32]byte `json:"-"`
	ProviderSalt []byte   `json:"-"`
	QuestionSalt []byte   `json:"-"`

	KeyShare [32]byte `json:"-"`
}

// DecryptionPolicy mirrors model.Policy but with index references
// into the recovery driver's in-memory Challenge slice rather than
// uuids, per spec §9 (cyclic back-references become index handles).
type DecryptionPolicy struct {
	Salt            []byte
	ChallengeIdx    []int
	MasterKeyCipher []byte
}
