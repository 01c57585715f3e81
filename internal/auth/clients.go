package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/himitsu/internal/model"
)

// ErrInvalidCredentials is returned for an unknown client or a wrong key.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Argon2id cost, shared by real and dummy verification so timing does not
// reveal whether a client exists.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16

	hashVersion = "v1"
)

// HashAPIKey hashes apiKey for the HIMITSU_CLIENTS entry of clientID with
// role. The client id and role are mixed into the hash, so copying a buyer's
// hash into an admin entry yields a key that never verifies.
//
// The encoding is v1$<salt>$<hash>, both base64.
func HashAPIKey(clientID string, role model.ClientRole, apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	sum := keyHash(clientID, role, apiKey, salt)
	return hashVersion + "$" + base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(sum), nil
}

// VerifyAPIKey checks apiKey against c.APIKeyHash for c's id and role.
func VerifyAPIKey(c model.APIClient, apiKey string) (bool, error) {
	parts := strings.Split(c.APIKeyHash, "$")
	if len(parts) != 3 || parts[0] != hashVersion {
		return false, fmt.Errorf("auth: client %s: unsupported key hash format, rehash with himitsuctl hash-key", c.ClientID)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	got := keyHash(c.ClientID, c.Role, apiKey, salt)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func keyHash(clientID string, role model.ClientRole, apiKey string, salt []byte) []byte {
	input := clientID + "\x00" + string(role) + "\x00" + apiKey
	return argon2.IDKey([]byte(input), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// Registry holds the configured API clients.
type Registry struct {
	clients map[string]model.APIClient
}

// NewRegistry indexes clients by id.
func NewRegistry(clients []model.APIClient) *Registry {
	r := &Registry{clients: make(map[string]model.APIClient, len(clients))}
	for _, c := range clients {
		r.clients[c.ClientID] = c
	}
	return r
}

// Len reports how many clients are configured.
func (r *Registry) Len() int { return len(r.clients) }

// Authenticate verifies apiKey for clientID. Unknown clients still pay the
// hashing cost.
func (r *Registry) Authenticate(clientID, apiKey string) (model.APIClient, error) {
	c, ok := r.clients[clientID]
	if !ok {
		keyHash(clientID, "", apiKey, make([]byte, saltLen))
		return model.APIClient{}, ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(c, apiKey)
	if err != nil || !valid {
		return model.APIClient{}, ErrInvalidCredentials
	}
	return c, nil
}
