package identity_test

import (
	"context"
	"testing"

	"github.com/coachai/coach/pkg/identity"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		static identity.Static
		wantID string
	}{
		{"configured", identity.Static{ID: "u-1", Email: "ada@example.com"}, "u-1"},
		{"empty id is anonymous", identity.Static{Email: "nobody@example.com"}, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			u, err := tc.static.CurrentUser(context.Background())
			if err != nil {
				t.Fatalf("CurrentUser: %v", err)
			}
			if tc.wantID == "" {
				if u != nil {
					t.Fatalf("CurrentUser = %+v; want nil", u)
				}
				return
			}
			if u == nil || u.ID != tc.wantID || u.Email != tc.static.Email {
				t.Fatalf("CurrentUser = %+v; want id %q", u, tc.wantID)
			}
		})
	}
}

func TestStatic_ReturnsCopy(t *testing.T) {
	t.Parallel()
	s := identity.Static{ID: "u-1"}
	u, _ := s.CurrentUser(context.Background())
	u.ID = "mutated"
	again, _ := s.CurrentUser(context.Background())
	if again.ID != "u-1" {
		t.Fatalf("caller mutation leaked into provider: %q", again.ID)
	}
}

func TestAnonymous(t *testing.T) {
	t.Parallel()
	u, err := identity.Anonymous{}.CurrentUser(context.Background())
	if err != nil || u != nil {
		t.Fatalf("CurrentUser = %+v, %v; want nil, nil", u, err)
	}
}
