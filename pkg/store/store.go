package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/warehouse/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when a write violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store provides persistence for users, sessions, subscriptions and
// downloads.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// User CRUD.
	GetUserByID(ctx context.Context, id uint) (*User, error)
	GetUserByName(ctx context.Context, name string) (*User, error)
	ListUsersByIDs(ctx context.Context, ids []uint) ([]User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	UpdateUserLastLogin(ctx context.Context, id uint, t time.Time) error
	DeleteUserByName(ctx context.Context, name string) (bool, error)

	// Session CRUD.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, token []byte, userAgent string) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID uint) ([]Session, error)
	UpdateSessionLastAccess(ctx context.Context, id uint, t time.Time) error
	DeleteSession(ctx context.Context, id uint) error
	DeleteSessions(ctx context.Context, ids []uint) error

	// Subscription CRUD.
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID uint) ([]Subscription, error)
	CountSubscriptions(ctx context.Context) (int64, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id uint, ownerID *uint) (bool, error)
	IncrementSubscriptionMatches(ctx context.Context, ids []uint, t time.Time) error

	// Download log.
	CreateDownload(ctx context.Context, download *Download) error
	GetDownloadStats(ctx context.Context, userID uint) (*DownloadStats, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection keeps ":memory:" databases shared and avoids
		// SQLITE_BUSY under concurrent writers.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&User{},
		&Session{},
		&Subscription{},
		&Download{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	default:
		return err
	}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// --- User CRUD ---

func (s *store) GetUserByID(
	ctx context.Context, id uint,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, fmt.Errorf("getting user by id: %w", translate(err))
	}

	return &user, nil
}

func (s *store) GetUserByName(
	ctx context.Context, name string,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("getting user by name: %w", translate(err))
	}

	return &user, nil
}

func (s *store) ListUsersByIDs(
	ctx context.Context, ids []uint,
) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var users []User
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("listing users by ids: %w", err)
	}

	return users, nil
}

func (s *store) CreateUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("creating user: %w", translate(err))
	}

	return nil
}

func (s *store) UpdateUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return fmt.Errorf("updating user: %w", translate(err))
	}

	return nil
}

func (s *store) UpdateUserLastLogin(
	ctx context.Context, id uint, t time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Update("last_login_at", t).Error; err != nil {
		return fmt.Errorf("updating user last login: %w", err)
	}

	return nil
}

func (s *store) DeleteUserByName(
	ctx context.Context, name string,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("name = ?", name).
		Delete(&User{})
	if result.Error != nil {
		return false, fmt.Errorf("deleting user: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// --- Session CRUD ---

func (s *store) CreateSession(
	ctx context.Context, session *Session,
) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", translate(err))
	}

	return nil
}

func (s *store) GetSession(
	ctx context.Context, token []byte, userAgent string,
) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("token = ? AND user_agent = ?", token, userAgent).
		First(&session).Error; err != nil {
		return nil, fmt.Errorf("getting session: %w", translate(err))
	}

	return &session, nil
}

// ListSessionsByUser returns the sessions of a user, least recently
// accessed first.
func (s *store) ListSessionsByUser(
	ctx context.Context, userID uint,
) ([]Session, error) {
	var sessions []Session
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_access_at ASC, id ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return sessions, nil
}

func (s *store) UpdateSessionLastAccess(
	ctx context.Context, id uint, t time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("last_access_at", t).Error; err != nil {
		return fmt.Errorf("updating session last access: %w", err)
	}

	return nil
}

func (s *store) DeleteSession(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&Session{}, id).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (s *store) DeleteSessions(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("deleting sessions: %w", err)
	}

	return nil
}

// --- Subscription CRUD ---

func (s *store) ListSubscriptions(
	ctx context.Context,
) ([]Subscription, error) {
	var subs []Subscription
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	return subs, nil
}

func (s *store) ListSubscriptionsByUser(
	ctx context.Context, userID uint,
) ([]Subscription, error) {
	var subs []Subscription
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing subscriptions by user: %w", err)
	}

	return subs, nil
}

func (s *store) CountSubscriptions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Subscription{}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting subscriptions: %w", err)
	}

	return count, nil
}

func (s *store) CreateSubscription(
	ctx context.Context, sub *Subscription,
) error {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("creating subscription: %w", translate(err))
	}

	return nil
}

// DeleteSubscription removes a subscription. A non-nil ownerID restricts
// the deletion to subscriptions of that user.
func (s *store) DeleteSubscription(
	ctx context.Context, id uint, ownerID *uint,
) (bool, error) {
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if ownerID != nil {
		q = q.Where("user_id = ?", *ownerID)
	}

	result := q.Delete(&Subscription{})
	if result.Error != nil {
		return false, fmt.Errorf("deleting subscription: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// IncrementSubscriptionMatches bumps the match counter and sets the last
// match time of all given subscriptions in a single statement.
func (s *store) IncrementSubscriptionMatches(
	ctx context.Context, ids []uint, t time.Time,
) error {
	if len(ids) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"matches":       gorm.Expr("matches + ?", 1),
			"last_match_at": t,
		}).Error; err != nil {
		return fmt.Errorf("incrementing subscription matches: %w", err)
	}

	return nil
}

// --- Download log ---

func (s *store) CreateDownload(
	ctx context.Context, download *Download,
) error {
	if err := s.db.WithContext(ctx).Create(download).Error; err != nil {
		return fmt.Errorf("creating download: %w", err)
	}

	return nil
}

func (s *store) GetDownloadStats(
	ctx context.Context, userID uint,
) (*DownloadStats, error) {
	var stats DownloadStats
	if err := s.db.WithContext(ctx).
		Model(&Download{}).
		Select("COUNT(*) AS count, COALESCE(SUM(size), 0) AS size").
		Where("user_id = ?", userID).
		Scan(&stats).Error; err != nil {
		return nil, fmt.Errorf("getting download stats: %w", err)
	}

	return &stats, nil
}
