package gormstore

import (
	"time"

	"github.com/giantswarm/oauth-identity/storage"
)

// UserModel is the GORM model for users
type UserModel struct {
	ID              string `gorm:"primaryKey;size:36"`
	Email           string `gorm:"size:254;not null"`
	EmailNormalized string `gorm:"size:254;not null;uniqueIndex:idx_users_email_normalized"`
	Username        string `gorm:"size:150"`
	DisplayName     string `gorm:"size:255"`
	IsVerified      bool   `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (UserModel) TableName() string {
	return "users"
}

// AccountModel is the GORM model for linked provider accounts
type AccountModel struct {
	ID                string     `gorm:"primaryKey;size:36"`
	UserID            string     `gorm:"size:36;not null;index:idx_oauth_accounts_user_id"`
	Provider          string     `gorm:"size:32;not null;uniqueIndex:idx_oauth_accounts_provider_account"`
	ProviderAccountID string     `gorm:"size:255;not null;uniqueIndex:idx_oauth_accounts_provider_account"`
	AccessToken       string     `gorm:"type:text"`
	RefreshToken      string     `gorm:"type:text"`
	IDToken           string     `gorm:"type:text"`
	TokenType         string     `gorm:"size:32;not null;default:Bearer"`
	Scope             string     `gorm:"type:text"`
	ExpiresAt         *time.Time `gorm:"index:idx_oauth_accounts_expires_at"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (AccountModel) TableName() string {
	return "oauth_accounts"
}

// ProfileModel is the GORM model for user profiles
type ProfileModel struct {
	UserID          string `gorm:"primaryKey;size:36"`
	AvatarURL       string `gorm:"size:500"`
	Bio             string `gorm:"type:text"`
	Location        string `gorm:"size:255"`
	Website         string `gorm:"size:500"`
	GitHubUsername  string `gorm:"column:github_username;size:100"`
	TwitterUsername string `gorm:"size:100"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ProfileModel) TableName() string {
	return "user_profiles"
}

// PendingStateModel is the GORM model for pending login states
type PendingStateModel struct {
	Provider  string    `gorm:"primaryKey;size:32"`
	SessionID string    `gorm:"primaryKey;size:255"`
	StateHash string    `gorm:"size:128;not null"`
	CreatedAt time.Time `gorm:"index:idx_pending_auth_states_created_at"`
	ExpiresAt time.Time `gorm:"not null;index:idx_pending_auth_states_expires_at"`
}

func (PendingStateModel) TableName() string {
	return "pending_auth_states"
}

func userToModel(u *storage.User) *UserModel {
	return &UserModel{
		ID:              u.ID,
		Email:           u.Email,
		EmailNormalized: storage.NormalizeEmail(u.Email),
		Username:        u.Username,
		DisplayName:     u.DisplayName,
		IsVerified:      u.IsVerified,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

func (m *UserModel) toUser() *storage.User {
	return &storage.User{
		ID:          m.ID,
		Email:       m.Email,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		IsVerified:  m.IsVerified,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func accountToModel(a *storage.OAuthAccount) *AccountModel {
	m := &AccountModel{
		ID:                a.ID,
		UserID:            a.UserID,
		Provider:          a.Provider,
		ProviderAccountID: a.ProviderAccountID,
		AccessToken:       a.AccessToken,
		RefreshToken:      a.RefreshToken,
		IDToken:           a.IDToken,
		TokenType:         a.TokenType,
		Scope:             a.Scope,
		ExpiresAt:         a.ExpiresAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
	if m.TokenType == "" {
		m.TokenType = storage.DefaultTokenType
	}
	if a.ExpiresAt != nil {
		exp := a.ExpiresAt.UTC()
		m.ExpiresAt = &exp
	}
	return m
}

func (m *AccountModel) toAccount() *storage.OAuthAccount {
	a := &storage.OAuthAccount{
		ID:                m.ID,
		UserID:            m.UserID,
		Provider:          m.Provider,
		ProviderAccountID: m.ProviderAccountID,
		AccessToken:       m.AccessToken,
		RefreshToken:      m.RefreshToken,
		IDToken:           m.IDToken,
		TokenType:         m.TokenType,
		Scope:             m.Scope,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.ExpiresAt != nil {
		exp := *m.ExpiresAt
		a.ExpiresAt = &exp
	}
	return a
}

// tokenColumns is the column set UpsertAccount and UpdateAccountTokens overwrite
func (m *AccountModel) tokenColumns() map[string]any {
	return map[string]any{
		"access_token":  m.AccessToken,
		"refresh_token": m.RefreshToken,
		"id_token":      m.IDToken,
		"token_type":    m.TokenType,
		"scope":         m.Scope,
		"expires_at":    m.ExpiresAt,
	}
}

func profileToModel(p *storage.UserProfile) *ProfileModel {
	return &ProfileModel{
		UserID:          p.UserID,
		AvatarURL:       p.AvatarURL,
		Bio:             p.Bio,
		Location:        p.Location,
		Website:         p.Website,
		GitHubUsername:  p.GitHubUsername,
		TwitterUsername: p.TwitterUsername,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (m *ProfileModel) toProfile() *storage.UserProfile {
	return &storage.UserProfile{
		UserID:          m.UserID,
		AvatarURL:       m.AvatarURL,
		Bio:             m.Bio,
		Location:        m.Location,
		Website:         m.Website,
		GitHubUsername:  m.GitHubUsername,
		TwitterUsername: m.TwitterUsername,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}
