// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated identity of a backend request
package auth

import (
	"context"
)

type contextKey struct{}

// Identity is the caller a request was authenticated as. Entries are owned by
// UserID; DeviceID only tags log lines.
type Identity struct {
	UserID   string
	DeviceID string
}

// WithIdentity returns a copy of ctx carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
// ok is false when none was stored or it names no user.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != ""
}
