package authtest

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/sockjs-server-go/auth"
)

var _ auth.Authenticator = Static(nil)

// Static is a test authenticator mapping fixed tokens to user IDs.
// Used for testing and development environments where real tokens are not available.
type Static map[string]string

// CheckAuthentication accepts the known tokens and rejects everything else.
func (s Static) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	id, ok := s[tok]
	if !ok || tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return User(id), nil
}

// User is a UserInfo without claims.
type User string

func (u User) UserID() string { return string(u) }

// Claims fills ref with a {"sub": id} object.
func (u User) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
