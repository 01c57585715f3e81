package model

import "fmt"

// ClientRole represents the RBAC role assigned to an API client.
type ClientRole string

const (
	RoleAdmin    ClientRole = "admin"
	RoleProvider ClientRole = "provider"
	RoleBuyer    ClientRole = "buyer"
	RoleReader   ClientRole = "reader"
)

// APIClient is a configured API caller. Clients are declared in configuration,
// not stored; APIKeyHash is an Argon2id hash of the key bound to ClientID and
// Role, produced by `himitsuctl hash-key`.
type APIClient struct {
	ClientID   string     `json:"client_id"`
	Role       ClientRole `json:"role"`
	APIKeyHash string     `json:"-"`
}

// ParseRole validates a role name.
func ParseRole(s string) (ClientRole, error) {
	r := ClientRole(s)
	if RoleRank(r) == 0 {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r ClientRole) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleProvider:
		return 3
	case RoleBuyer:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole ClientRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateClientID checks that a client id conforms to the allowed format.
func ValidateClientID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("client_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("client_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("client_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
