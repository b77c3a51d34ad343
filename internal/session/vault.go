package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultStore backs Store with a Vault KV mount, adapted from the
// teacher's internal/services/vault.go VaultStore (same kv-v2-then-v1
// fallback probing, same PutJSON/GetJSON shape) but keyed by session
// id instead of by asset id, and storing one base64 blob field
// instead of a freeform map.
type VaultStore struct {
	client *vaultapi.Client
	isKVv2 bool
	mount  string
}

func NewVaultStore(addr, token string) (*VaultStore, error) {
	if addr == "" || token == "" {
		return nil, errors.New("vault required: set ANASTASIS_VAULT_ADDR and ANASTASIS_VAULT_TOKEN")
	}
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	c, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	c.SetToken(token)
	return &VaultStore{client: c, mount: "secret", isKVv2: true}, nil
}

func (v *VaultStore) path(id string) string {
	return "anastasis-sessions/" + strings.TrimPrefix(id, "/")
}

func (v *VaultStore) Save(_ context.Context, id string, state []byte) error {
	data := map[string]any{"state": base64.StdEncoding.EncodeToString(state)}
	path := v.path(id)
	if v.isKVv2 {
		_, err := v.client.Logical().Write(fmt.Sprintf("%s/data/%s", v.mount, path), map[string]any{"data": data})
		if err == nil {
			return nil
		}
		v.isKVv2 = false
	}
	_, err := v.client.Logical().Write(fmt.Sprintf("%s/%s", v.mount, path), data)
	return err
}

func (v *VaultStore) Load(_ context.Context, id string) ([]byte, error) {
	path := v.path(id)
	data, err := v.read(path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	raw, ok := data["state"].(string)
	if !ok {
		return nil, ErrNotFound
	}
	return base64.StdEncoding.DecodeString(raw)
}

func (v *VaultStore) read(path string) (map[string]any, error) {
	if v.isKVv2 {
		sec, err := v.client.Logical().Read(fmt.Sprintf("%s/data/%s", v.mount, path))
		if err == nil && sec != nil {
			if inner, ok := sec.Data["data"].(map[string]any); ok {
				return inner, nil
			}
		}
		if err != nil {
			v.isKVv2 = false
		}
	}
	sec, err := v.client.Logical().Read(fmt.Sprintf("%s/%s", v.mount, path))
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, nil
	}
	return sec.Data, nil
}

func (v *VaultStore) Delete(_ context.Context, id string) error {
	path := v.path(id)
	if v.isKVv2 {
		_, err := v.client.Logical().Delete(fmt.Sprintf("%s/data/%s", v.mount, path))
		return err
	}
	_, err := v.client.Logical().Delete(fmt.Sprintf("%s/%s", v.mount, path))
	return err
}
