package auth

import "time"

// Identity is the authenticated caller. PersonID is empty for a login that
// is not linked to a member.
type Identity struct {
	LoginID   string `json:"login_id"`
	PersonID  string `json:"person_id,omitempty"`
	Superuser bool   `json:"superuser"`
}

// Login is a credential record, distinct from the person it may be linked to.
type Login struct {
	ID           string
	Username     string
	PasswordHash string
	PersonID     string
	Superuser    bool
	CreatedAt    time.Time
}

// Identity returns the identity a token for l carries.
func (l Login) Identity() Identity {
	return Identity{LoginID: l.ID, PersonID: l.PersonID, Superuser: l.Superuser}
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Identity    Identity  `json:"identity"`
}
