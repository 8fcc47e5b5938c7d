// Package actor carries the identity of the caller through a request context.
package actor

import "context"

// Role is the coarse permission level of an actor.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleBoard   Role = "board"
	RoleKitchen Role = "kitchen"
	RoleTeacher Role = "teacher"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleBoard, RoleKitchen, RoleTeacher:
		return true
	}
	return false
}

// Actor is whoever issued the current operation.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

type ctxKey struct{}

// With returns a context carrying a.
func With(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// From returns the actor stored in ctx, if any.
func From(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	if !ok || a.ID == "" {
		return Actor{}, false
	}
	return a, true
}
