// Package identity resolves the user a voice session belongs to.
//
// The controller queries the [Provider] once per connect. A nil user means the
// session is anonymous: the conversation still works but nothing is persisted.
package identity

import "context"

// User is an authenticated end user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Provider returns the currently authenticated user.
type Provider interface {
	// CurrentUser returns the signed-in user, or nil when nobody is signed in.
	// An error means the lookup itself failed.
	CurrentUser(ctx context.Context) (*User, error)
}

// ProviderFunc adapts a plain function to [Provider].
type ProviderFunc func(ctx context.Context) (*User, error)

// CurrentUser calls f(ctx).
func (f ProviderFunc) CurrentUser(ctx context.Context) (*User, error) { return f(ctx) }

// Static always returns the same user. A Static with an empty ID behaves like
// [Anonymous].
type Static User

// CurrentUser returns a copy of the configured user.
func (s Static) CurrentUser(context.Context) (*User, error) {
	if s.ID == "" {
		return nil, nil
	}
	u := User(s)
	return &u, nil
}

// Anonymous never has a signed-in user.
type Anonymous struct{}

// CurrentUser always returns nil.
func (Anonymous) CurrentUser(context.Context) (*User, error) { return nil, nil }

var (
	_ Provider = Static{}
	_ Provider = Anonymous{}
	_ Provider = ProviderFunc(nil)
)
