package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// ServiceAccountKeysEnv overrides the keystore location.
	ServiceAccountKeysEnv = "HEPHAESTUS_SERVICE_ACCOUNT_KEYS_PATH"

	// DefaultKeystorePath is used when no override is set.
	DefaultKeystorePath = ".hephaestus/service-accounts.json"

	minSecretBytes = 32
)

// keystoreSchema validates the shape of the keystore document before any
// key material is parsed. Length and encoding constraints on secrets are
// enforced during materialisation.
const keystoreSchema = `{
  "type": "object",
  "required": ["keys"],
  "properties": {
    "keys": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key_id", "principal", "roles", "secret"],
        "properties": {
          "key_id": {"type": "string", "minLength": 1},
          "principal": {"type": "string", "minLength": 1},
          "roles": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          },
          "secret": {"type": "string", "minLength": 1},
          "expires_at": {"type": "string"}
        }
      }
    }
  }
}`

var compiledKeystoreSchema = jsonschema.MustCompileString("service-accounts.json", keystoreSchema)

// KeyStore loads and caches service-account key material from disk.
// Reload swaps the whole key map atomically under the store mutex.
type KeyStore struct {
	path string

	mu   sync.RWMutex
	keys map[string]*ServiceAccountKey
}

// NewKeyStore loads the keystore at path. An empty path falls back to the
// environment override, then to the default location. A missing file yields
// an empty store.
func NewKeyStore(path string) (*KeyStore, error) {
	if path == "" {
		path = os.Getenv(ServiceAccountKeysEnv)
	}
	if path == "" {
		path = DefaultKeystorePath
	}
	store := &KeyStore{path: path, keys: map[string]*ServiceAccountKey{}}
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

// Path returns the keystore file location.
func (s *KeyStore) Path() string { return s.path }

// Reload re-reads the keystore file and atomically replaces the key set.
// Keys omitted by the new document are dropped.
func (s *KeyStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.keys = map[string]*ServiceAccountKey{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read keystore %s: %w", s.path, err)
	}

	keys, err := parseKeystoreDocument(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// Get looks up a key by id. Returns nil when the key is unknown.
func (s *KeyStore) Get(keyID string) *ServiceAccountKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[keyID]
}

// AllKeys returns every loaded key.
func (s *KeyStore) AllKeys() []*ServiceAccountKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*ServiceAccountKey, 0, len(s.keys))
	for _, key := range s.keys {
		keys = append(keys, key)
	}
	return keys
}

func parseKeystoreDocument(data []byte) (map[string]*ServiceAccountKey, error) {
	var document any
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, authErrorf("Invalid keystore document: %v", err)
	}
	if err := compiledKeystoreSchema.Validate(document); err != nil {
		return nil, authErrorf("Keystore document failed schema validation: %v", err)
	}

	var parsed struct {
		Keys []struct {
			KeyID     string   `json:"key_id"`
			Principal string   `json:"principal"`
			Roles     []string `json:"roles"`
			Secret    string   `json:"secret"`
			ExpiresAt string   `json:"expires_at"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, authErrorf("Invalid keystore document: %v", err)
	}

	keys := make(map[string]*ServiceAccountKey, len(parsed.Keys))
	for _, entry := range parsed.Keys {
		keyID := strings.TrimSpace(entry.KeyID)
		principal := strings.TrimSpace(entry.Principal)
		if keyID == "" || principal == "" {
			return nil, authErrorf("Invalid service-account key definition: empty key_id or principal")
		}

		roles := make(map[string]bool, len(entry.Roles))
		for _, role := range entry.Roles {
			role = strings.TrimSpace(role)
			if role != "" {
				roles[role] = true
			}
		}
		if len(roles) == 0 {
			return nil, authErrorf("Invalid service-account key definition for %s: roles must be non-empty", keyID)
		}

		secret, err := decodeBase64URL(entry.Secret)
		if err != nil {
			return nil, authErrorf("Invalid service-account key definition for %s: %v", keyID, err)
		}
		if len(secret) < minSecretBytes {
			return nil, authErrorf(
				"Invalid service-account key definition for %s: secret must be at least %d bytes", keyID, minSecretBytes)
		}

		var expiresAt time.Time
		if entry.ExpiresAt != "" {
			expiresAt, err = time.Parse(time.RFC3339, entry.ExpiresAt)
			if err != nil {
				return nil, authErrorf("Invalid service-account key definition for %s: bad expires_at: %v", keyID, err)
			}
			expiresAt = expiresAt.UTC()
		}

		keys[keyID] = &ServiceAccountKey{
			KeyID:     keyID,
			Principal: principal,
			Roles:     roles,
			Secret:    secret,
			ExpiresAt: expiresAt,
		}
	}
	return keys, nil
}

func decodeBase64URL(value string) ([]byte, error) {
	trimmed := strings.TrimRight(value, "=")
	secret, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("secret is not base64url: %w", err)
	}
	return secret, nil
}
