package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/giantswarm/oauth-identity/instrumentation"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
)

// Supported database drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// maxUpsertAttempts bounds retries when a concurrent insert wins the unique index
const maxUpsertAttempts = 3

// errRetryUpsert signals that another transaction inserted the same provider identity first
var errRetryUpsert = errors.New("concurrent account insert")

// Store implements UserStore, AccountStore, ProfileStore and StateStore on GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.UserStore     = (*Store)(nil)
	_ storage.AccountStore  = (*Store)(nil)
	_ storage.ProfileStore  = (*Store)(nil)
	_ storage.StateStore    = (*Store)(nil)
	_ storage.IdentityStore = (*Store)(nil)
)

// Open connects to the database for driver ("mysql", "postgres" or "sqlite").
// Timestamps are written in UTC and SQL logging goes through logger at warn level.
func Open(driver, dsn string, logger *slog.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverMySQL:
		dialector = mysql.New(mysql.Config{
			DSN:               dsn,
			DefaultStringSize: 256,
		})
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger: gormlogger.NewSlogLogger(logger, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return db, nil
}

// AutoMigrate creates or updates the identity tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&AccountModel{},
		&ProfileModel{},
		&PendingStateModel{},
	)
}

// New creates a store on an open database. Call AutoMigrate first.
func New(db *gorm.DB) *Store {
	return &Store{db: db, logger: slog.Default()}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// DB returns the underlying database handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ============================================================
// UserStore Implementation
// ============================================================

// GetOrCreateUser returns the user owning candidate's normalized email or
// creates it together with an empty profile. The unique index on
// email_normalized decides races between concurrent creators.
func (s *Store) GetOrCreateUser(ctx context.Context, candidate *storage.User) (*storage.User, bool, error) {
	if candidate == nil || storage.NormalizeEmail(candidate.Email) == "" {
		return nil, false, fmt.Errorf("user email cannot be empty")
	}

	var (
		out     *storage.User
		created bool
	)
	err := s.observe(ctx, "get_or_create_user", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			m := userToModel(candidate)
			if m.ID == "" {
				m.ID = uuid.NewString()
			}

			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "email_normalized"}},
				DoNothing: true,
			}).Create(m)
			if res.Error != nil {
				return res.Error
			}

			if res.RowsAffected == 1 {
				if err := tx.Create(&ProfileModel{UserID: m.ID}).Error; err != nil {
					return fmt.Errorf("failed to create profile: %w", err)
				}
				out, created = m.toUser(), true
				return nil
			}

			var existing UserModel
			if err := tx.Where("email_normalized = ?", m.EmailNormalized).First(&existing).Error; err != nil {
				return err
			}
			out = existing.toUser()
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	var m UserModel
	err := s.observe(ctx, "get_user", func(ctx context.Context) error {
		return notFound(s.db.WithContext(ctx).First(&m, "id = ?", userID).Error, storage.ErrUserNotFound)
	})
	if err != nil {
		return nil, err
	}
	return m.toUser(), nil
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	var m UserModel
	err := s.observe(ctx, "get_user_by_email", func(ctx context.Context) error {
		err := s.db.WithContext(ctx).First(&m, "email_normalized = ?", storage.NormalizeEmail(email)).Error
		return notFound(err, storage.ErrUserNotFound)
	})
	if err != nil {
		return nil, err
	}
	return m.toUser(), nil
}

// DeleteUser removes the user, its profile and all of its accounts in one transaction
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.observe(ctx, "delete_user", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("user_id = ?", userID).Delete(&AccountModel{}).Error; err != nil {
				return fmt.Errorf("failed to delete accounts: %w", err)
			}
			if err := tx.Where("user_id = ?", userID).Delete(&ProfileModel{}).Error; err != nil {
				return fmt.Errorf("failed to delete profile: %w", err)
			}
			res := tx.Where("id = ?", userID).Delete(&UserModel{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return storage.ErrUserNotFound
			}
			return nil
		})
	})
}

// MergeUsers moves every account of duplicateID to primaryID, migrates the
// profile when the primary one is empty, and deletes the duplicate.
func (s *Store) MergeUsers(ctx context.Context, primaryID, duplicateID string) error {
	if primaryID == duplicateID {
		return fmt.Errorf("cannot merge a user into itself")
	}

	return s.observe(ctx, "merge_users", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var users []UserModel
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id IN ?", []string{primaryID, duplicateID}).Find(&users).Error; err != nil {
				return err
			}
			if len(users) != 2 {
				return storage.ErrUserNotFound
			}

			if err := tx.Model(&AccountModel{}).Where("user_id = ?", duplicateID).
				Update("user_id", primaryID).Error; err != nil {
				return fmt.Errorf("failed to reassign accounts: %w", err)
			}

			var primaryProfile, dupProfile ProfileModel
			primaryErr := tx.First(&primaryProfile, "user_id = ?", primaryID).Error
			dupErr := tx.First(&dupProfile, "user_id = ?", duplicateID).Error
			if dupErr == nil && !dupProfile.toProfile().IsEmpty() {
				switch {
				case errors.Is(primaryErr, gorm.ErrRecordNotFound):
					dupProfile.UserID = primaryID
					if err := tx.Create(&dupProfile).Error; err != nil {
						return fmt.Errorf("failed to migrate profile: %w", err)
					}
				case primaryErr != nil:
					return primaryErr
				case primaryProfile.toProfile().IsEmpty():
					if err := tx.Model(&primaryProfile).Updates(profileColumns(&dupProfile)).Error; err != nil {
						return fmt.Errorf("failed to migrate profile: %w", err)
					}
				}
			}

			if err := tx.Where("user_id = ?", duplicateID).Delete(&ProfileModel{}).Error; err != nil {
				return err
			}
			return tx.Where("id = ?", duplicateID).Delete(&UserModel{}).Error
		})
	})
}

// ============================================================
// AccountStore Implementation
// ============================================================

// UpsertAccount links acct by (provider, provider account id) under a row
// lock, deciding create, update or conflict in one transaction.
func (s *Store) UpsertAccount(ctx context.Context, acct *storage.OAuthAccount) (*storage.OAuthAccount, bool, error) {
	if acct == nil || acct.Provider == "" || acct.ProviderAccountID == "" {
		return nil, false, fmt.Errorf("account provider and provider account id are required")
	}

	var (
		out     *storage.OAuthAccount
		created bool
	)
	err := s.observe(ctx, "upsert_account", func(ctx context.Context) error {
		var err error
		for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
			out, created, err = s.upsertAccountOnce(ctx, acct)
			if !errors.Is(err, errRetryUpsert) {
				return err
			}
		}
		return fmt.Errorf("failed to upsert account after %d attempts: %w", maxUpsertAttempts, err)
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) upsertAccountOnce(ctx context.Context, acct *storage.OAuthAccount) (*storage.OAuthAccount, bool, error) {
	var (
		out     *storage.OAuthAccount
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		incoming := accountToModel(acct)

		var existing AccountModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider = ? AND provider_account_id = ?", acct.Provider, acct.ProviderAccountID).
			First(&existing).Error
		switch {
		case err == nil:
			if existing.UserID != acct.UserID {
				return storage.ErrAccountOwnershipConflict
			}
			if err := tx.Model(&existing).Updates(incoming.tokenColumns()).Error; err != nil {
				return err
			}
			if err := tx.First(&existing, "id = ?", existing.ID).Error; err != nil {
				return err
			}
			out = existing.toAccount()
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var owners int64
		if err := tx.Model(&UserModel{}).Where("id = ?", acct.UserID).Count(&owners).Error; err != nil {
			return err
		}
		if owners == 0 {
			return storage.ErrUserNotFound
		}

		incoming.ID = uuid.NewString()
		incoming.CreatedAt = time.Time{}
		incoming.UpdatedAt = time.Time{}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_account_id"}},
			DoNothing: true,
		}).Create(incoming)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errRetryUpsert
		}
		out, created = incoming.toAccount(), true
		return nil
	})
	return out, created, err
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, accountID string) (*storage.OAuthAccount, error) {
	var m AccountModel
	err := s.observe(ctx, "get_account", func(ctx context.Context) error {
		return notFound(s.db.WithContext(ctx).First(&m, "id = ?", accountID).Error, storage.ErrAccountNotFound)
	})
	if err != nil {
		return nil, err
	}
	return m.toAccount(), nil
}

// FindAccount retrieves the oldest account a user has for a provider
func (s *Store) FindAccount(ctx context.Context, userID, provider string) (*storage.OAuthAccount, error) {
	var m AccountModel
	err := s.observe(ctx, "find_account", func(ctx context.Context) error {
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND provider = ?", userID, provider).
			Order("created_at ASC").
			First(&m).Error
		return notFound(err, storage.ErrAccountNotFound)
	})
	if err != nil {
		return nil, err
	}
	return m.toAccount(), nil
}

// FindAccountByProviderID retrieves an account by its provider-side identity
func (s *Store) FindAccountByProviderID(ctx context.Context, provider, providerAccountID string) (*storage.OAuthAccount, error) {
	var m AccountModel
	err := s.observe(ctx, "find_account_by_provider_id", func(ctx context.Context) error {
		err := s.db.WithContext(ctx).
			First(&m, "provider = ? AND provider_account_id = ?", provider, providerAccountID).Error
		return notFound(err, storage.ErrAccountNotFound)
	})
	if err != nil {
		return nil, err
	}
	return m.toAccount(), nil
}

// ListAccounts lists a user's accounts ordered by provider
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]*storage.OAuthAccount, error) {
	var models []AccountModel
	err := s.observe(ctx, "list_accounts", func(ctx context.Context) error {
		return s.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("provider ASC, created_at ASC").
			Find(&models).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]*storage.OAuthAccount, len(models))
	for i := range models {
		out[i] = models[i].toAccount()
	}
	return out, nil
}

// UpdateAccountTokens overwrites the token fields of acct.ID
func (s *Store) UpdateAccountTokens(ctx context.Context, acct *storage.OAuthAccount) error {
	return s.observe(ctx, "update_account_tokens", func(ctx context.Context) error {
		m := accountToModel(acct)
		res := s.db.WithContext(ctx).Model(&AccountModel{ID: acct.ID}).Updates(m.tokenColumns())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// MySQL reports zero rows for an unchanged row; tell the cases apart
			var n int64
			if err := s.db.WithContext(ctx).Model(&AccountModel{}).Where("id = ?", acct.ID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return storage.ErrAccountNotFound
			}
		}
		return nil
	})
}

// DeleteAccount removes an account by ID
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return s.observe(ctx, "delete_account", func(ctx context.Context) error {
		res := s.db.WithContext(ctx).Where("id = ?", accountID).Delete(&AccountModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrAccountNotFound
		}
		return nil
	})
}

// ClearExpiredTokens empties token fields of accounts that expired before
// now and still hold tokens. Already cleared rows do not match, so repeated
// sweeps report zero.
func (s *Store) ClearExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	var cleared int64
	err := s.observe(ctx, "clear_expired_tokens", func(ctx context.Context) error {
		res := s.db.WithContext(ctx).Model(&AccountModel{}).
			Where("expires_at IS NOT NULL AND expires_at < ?", now.UTC()).
			Where("access_token <> '' OR refresh_token <> '' OR id_token <> ''").
			Updates(map[string]any{
				"access_token":  "",
				"refresh_token": "",
				"id_token":      "",
			})
		cleared = res.RowsAffected
		return res.Error
	})
	return int(cleared), err
}

// ============================================================
// ProfileStore Implementation
// ============================================================

// GetProfile retrieves the profile of a user
func (s *Store) GetProfile(ctx context.Context, userID string) (*storage.UserProfile, error) {
	var m ProfileModel
	err := s.observe(ctx, "get_profile", func(ctx context.Context) error {
		return notFound(s.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error, storage.ErrProfileNotFound)
	})
	if err != nil {
		return nil, err
	}
	return m.toProfile(), nil
}

// SaveProfile creates or replaces the profile of profile.UserID
func (s *Store) SaveProfile(ctx context.Context, profile *storage.UserProfile) error {
	return s.observe(ctx, "save_profile", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var owners int64
			if err := tx.Model(&UserModel{}).Where("id = ?", profile.UserID).Count(&owners).Error; err != nil {
				return err
			}
			if owners == 0 {
				return storage.ErrUserNotFound
			}

			m := profileToModel(profile)
			return tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"avatar_url", "bio", "location", "website",
					"github_username", "twitter_username", "updated_at",
				}),
			}).Create(m).Error
		})
	})
}

func profileColumns(m *ProfileModel) map[string]any {
	return map[string]any{
		"avatar_url":       m.AvatarURL,
		"bio":              m.Bio,
		"location":         m.Location,
		"website":          m.Website,
		"github_username":  m.GitHubUsername,
		"twitter_username": m.TwitterUsername,
	}
}

// ============================================================
// StateStore Implementation
// ============================================================

// SaveAuthState stores a pending state, replacing the previous one for the same session
func (s *Store) SaveAuthState(ctx context.Context, state *storage.PendingAuthState) error {
	if state == nil || state.Provider == "" || state.SessionID == "" || state.StateHash == "" {
		return fmt.Errorf("pending state requires provider, session and hash")
	}

	return s.observe(ctx, "save_auth_state", func(ctx context.Context) error {
		m := &PendingStateModel{
			Provider:  state.Provider,
			SessionID: state.SessionID,
			StateHash: state.StateHash,
			CreatedAt: state.CreatedAt.UTC(),
			ExpiresAt: state.ExpiresAt.UTC(),
		}
		return s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_hash", "created_at", "expires_at"}),
		}).Create(m).Error
	})
}

// ConsumeAuthState deletes the pending state under a row lock if the hash
// matches and it has not expired. Expired rows are removed; mismatches are kept.
func (s *Store) ConsumeAuthState(ctx context.Context, provider, sessionID, stateHash string, now time.Time) error {
	return s.observe(ctx, "consume_auth_state", func(ctx context.Context) error {
		var outcome error
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var m PendingStateModel
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&m, "provider = ? AND session_id = ?", provider, sessionID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = storage.ErrAuthStateNotFound
				return nil
			}
			if err != nil {
				return err
			}

			if !now.Before(m.ExpiresAt) {
				outcome = storage.ErrAuthStateNotFound
				return tx.Where("provider = ? AND session_id = ?", provider, sessionID).Delete(&PendingStateModel{}).Error
			}
			if !security.Equal(m.StateHash, stateHash) {
				outcome = storage.ErrAuthStateNotFound
				return nil
			}

			res := tx.Where("provider = ? AND session_id = ? AND state_hash = ?", provider, sessionID, stateHash).
				Delete(&PendingStateModel{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				outcome = storage.ErrAuthStateNotFound
			}
			return nil
		})
		if err != nil {
			return err
		}
		return outcome
	})
}

// DeleteExpiredAuthStates removes states that expired before now
func (s *Store) DeleteExpiredAuthStates(ctx context.Context, now time.Time) (int, error) {
	var removed int64
	err := s.observe(ctx, "delete_expired_auth_states", func(ctx context.Context) error {
		res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&PendingStateModel{})
		removed = res.RowsAffected
		return res.Error
	})
	return int(removed), err
}

// ============================================================
// Helpers
// ============================================================

// notFound maps gorm.ErrRecordNotFound to the storage sentinel
func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// observe runs op inside a storage span and records its metrics
func (s *Store) observe(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	startTime := time.Now()

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "storage."+operation)
		defer span.End()
		instrumentation.AddStorageAttributes(span, operation, "gorm")
	}

	err := op(ctx)

	if s.instrumentation != nil {
		result := "success"
		if err != nil && !isExpectedMiss(err) {
			result = "error"
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		durationMs := float64(time.Since(startTime).Microseconds()) / 1000
		s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}

	if err != nil && !isExpectedMiss(err) && !errors.Is(err, storage.ErrAccountOwnershipConflict) {
		s.logger.Debug("Storage operation failed", "operation", operation, "error", err)
	}
	return err
}

func isExpectedMiss(err error) bool {
	return errors.Is(err, storage.ErrUserNotFound) ||
		errors.Is(err, storage.ErrAccountNotFound) ||
		errors.Is(err, storage.ErrProfileNotFound) ||
		errors.Is(err, storage.ErrAuthStateNotFound)
}
