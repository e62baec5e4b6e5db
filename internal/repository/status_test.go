package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		role    Role
		allowed bool
	}{
		{"admin: created -> delivering", StatusCreated, StatusDelivering, RoleAdmin, true},
		{"owner: created -> delivering denied", StatusCreated, StatusDelivering, RoleOwner, false},
		{"admin: delivering -> delivered", StatusDelivering, StatusDelivered, RoleAdmin, true},
		{"owner: delivering -> delivered denied", StatusDelivering, StatusDelivered, RoleOwner, false},
		{"owner: created -> cancelled", StatusCreated, StatusCancelled, RoleOwner, true},
		{"admin: created -> cancelled", StatusCreated, StatusCancelled, RoleAdmin, true},
		{"owner: delivering -> cancelled", StatusDelivering, StatusCancelled, RoleOwner, true},
		{"admin: created -> delivered is a skip", StatusCreated, StatusDelivered, RoleAdmin, false},
		{"admin: delivered -> cancelled denied (terminal)", StatusDelivered, StatusCancelled, RoleAdmin, false},
		{"admin: cancelled -> created denied (no reactivation)", StatusCancelled, StatusCreated, RoleAdmin, false},
		{"admin: cancelled -> cancelled denied", StatusCancelled, StatusCancelled, RoleAdmin, false},
		{"admin: delivered -> delivering denied (no rollback)", StatusDelivered, StatusDelivering, RoleAdmin, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, CanTransition(tt.from, tt.to, tt.role))
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"created", "delivering", "delivered", "cancelled"} {
		got, err := ParseStatus(s)
		require.NoError(t, err)
		require.Equal(t, Status(s), got)
	}

	_, err := ParseStatus("paid")
	require.Error(t, err)
}

func TestCancellableFrom(t *testing.T) {
	require.True(t, CancellableFrom(StatusCreated))
	require.True(t, CancellableFrom(StatusDelivering))
	require.False(t, CancellableFrom(StatusDelivered))
	require.False(t, CancellableFrom(StatusCancelled))
}
