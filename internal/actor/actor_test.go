package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromRoundTrip(t *testing.T) {
	ctx := With(context.Background(), Actor{ID: "u1", DisplayName: "Cô Lan", Role: RoleTeacher})

	a, ok := From(ctx)
	assert.True(t, ok)
	assert.Equal(t, "Cô Lan", a.DisplayName)

	_, ok = From(context.Background())
	assert.False(t, ok)

	_, ok = From(With(context.Background(), Actor{}))
	assert.False(t, ok, "an actor without id is not an actor")
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleKitchen.Valid())
	assert.False(t, Role("janitor").Valid())
}
