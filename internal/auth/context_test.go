package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthContext_RoundTrip(t *testing.T) {
	ctx := SetAuthContext(context.Background(), "user-1", "fleet-a")

	userID, ok := GetUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	tenantID, ok := GetTenantID(ctx)
	require.True(t, ok)
	require.Equal(t, "fleet-a", tenantID)
}

func TestAuthContext_Missing(t *testing.T) {
	_, ok := GetUserID(context.Background())
	require.False(t, ok)

	_, ok = GetTenantID(SetTenantID(context.Background(), ""))
	require.False(t, ok)
}
