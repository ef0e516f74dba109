package domain

import (
	"strings"
	"time"
)

// Item is a text record owned by exactly one user.
type Item struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OwnedBy reports whether uid owns the item.
func (i Item) OwnedBy(uid string) bool {
	return uid != "" && i.UserID == uid
}

// ItemUpdate carries the mutable fields of an item.
type ItemUpdate struct {
	Message string `json:"message"`
}

// Caller is the authenticated identity behind a request.
// Only authentication gates construct it.
type Caller struct {
	UID    string         `json:"uid"`
	Claims map[string]any `json:"claims,omitempty"`
}

// Valid reports whether the caller carries a usable uid.
func (c Caller) Valid() bool {
	return strings.TrimSpace(c.UID) != ""
}

// Claim returns a provider claim by name.
func (c Caller) Claim(name string) (any, bool) {
	if c.Claims == nil {
		return nil, false
	}
	v, ok := c.Claims[name]
	return v, ok
}
