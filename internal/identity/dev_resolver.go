package identity

import (
	"errors"
	"strings"
)

// ErrInvalidToken is returned by DevResolver when the token is empty.
var ErrInvalidToken = errors.New("identity: invalid token")

// DevResolver is a trust-the-token stand-in for the real identity
// collaborator (spec §6.1), which lives entirely outside this module in
// production — a JWT validator, a session store, whatever the deployment
// uses. It treats the bearer token itself as the user_id and grants the
// emergency permission to any token present in emergencyUserIDs, so a
// single binary can be exercised end-to-end (CLI smoke test, local dev)
// without standing up a real auth service.
type DevResolver struct {
	emergencyUserIDs map[string]bool
}

// NewDevResolver constructs a DevResolver granting PermissionEmergency to
// the given user IDs.
func NewDevResolver(emergencyUserIDs []string) *DevResolver {
	set := make(map[string]bool, len(emergencyUserIDs))
	for _, id := range emergencyUserIDs {
		set[id] = true
	}
	return &DevResolver{emergencyUserIDs: set}
}

// Resolve implements Resolver.
func (r *DevResolver) Resolve(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{UserID: token, Username: token}
	if r.emergencyUserIDs[token] {
		p.Permissions = append(p.Permissions, PermissionEmergency)
	}
	return p, nil
}
