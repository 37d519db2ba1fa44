package server

import (
	"context"

	"github.com/giantswarm/oauth-identity/storage"
)

// Hooks are optional callbacks run synchronously after lifecycle events.
// A hook error is logged and never aborts the operation that fired it.
type Hooks struct {
	OnUserCreated         func(ctx context.Context, user *storage.User) error
	OnAccountLinked       func(ctx context.Context, user *storage.User, acct *storage.OAuthAccount, created bool) error
	OnTokenRefreshed      func(ctx context.Context, acct *storage.OAuthAccount) error
	OnAccountDisconnected func(ctx context.Context, userID, provider string) error
	OnUserDeleted         func(ctx context.Context, userID string) error
	OnUsersMerged         func(ctx context.Context, primaryID, duplicateID string) error
}

func (s *Server) runHook(name string, fn func() error) {
	if err := fn(); err != nil {
		s.Logger.Warn("Lifecycle hook failed", "hook", name, "error", err)
	}
}

func (s *Server) userCreated(ctx context.Context, user *storage.User) {
	if h := s.hooks.OnUserCreated; h != nil {
		s.runHook("user_created", func() error { return h(ctx, user) })
	}
}

func (s *Server) accountLinked(ctx context.Context, user *storage.User, acct *storage.OAuthAccount, created bool) {
	if h := s.hooks.OnAccountLinked; h != nil {
		s.runHook("account_linked", func() error { return h(ctx, user, acct, created) })
	}
}

func (s *Server) tokenRefreshed(ctx context.Context, acct *storage.OAuthAccount) {
	if h := s.hooks.OnTokenRefreshed; h != nil {
		s.runHook("token_refreshed", func() error { return h(ctx, acct) })
	}
}

func (s *Server) accountDisconnected(ctx context.Context, userID, provider string) {
	if h := s.hooks.OnAccountDisconnected; h != nil {
		s.runHook("account_disconnected", func() error { return h(ctx, userID, provider) })
	}
}

func (s *Server) userDeleted(ctx context.Context, userID string) {
	if h := s.hooks.OnUserDeleted; h != nil {
		s.runHook("user_deleted", func() error { return h(ctx, userID) })
	}
}

func (s *Server) usersMerged(ctx context.Context, primaryID, duplicateID string) {
	if h := s.hooks.OnUsersMerged; h != nil {
		s.runHook("users_merged", func() error { return h(ctx, primaryID, duplicateID) })
	}
}
