// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext, IsAdmin, and context propagation helpers

package auth

import (
	"context"
	"testing"

	"github.com/2389/coven-chat/internal/participant"
)

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		kind participant.Kind
		want bool
	}{
		{participant.KindAdmin, true},
		{participant.KindUser, false},
		{participant.KindAssistant, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			auth := &AuthContext{Participant: participant.New(tt.kind, 1)}
			if got := auth.IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithAuth_FromContext(t *testing.T) {
	auth := &AuthContext{Participant: participant.New(participant.KindUser, 7), Name: "Ursula"}

	ctx := WithAuth(context.Background(), auth)
	got := FromContext(ctx)
	if got != auth {
		t.Errorf("FromContext() = %v, want %v", got, auth)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() did not panic")
		}
	}()
	MustFromContext(context.Background())
}
