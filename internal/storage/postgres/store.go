package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrStoreNotInitialized возвращается методами nil Store или Store после неудачного Open.
var ErrStoreNotInitialized = errors.New("postgres store is not initialized")

// PoolOptions задаёт параметры пула соединений database/sql.
type PoolOptions struct {
	ConnTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PoolOption настраивает пул при Open.
type PoolOption func(*PoolOptions)

// WithMaxOpenConns ограничивает число соединений агента с базой.
func WithMaxOpenConns(n int) PoolOption {
	return func(o *PoolOptions) {
		o.MaxOpenConns = n
		if o.MaxIdleConns > n {
			o.MaxIdleConns = n
		}
	}
}

// WithConnTimeout задаёт таймаут ping при открытии и в health check.
func WithConnTimeout(d time.Duration) PoolOption {
	return func(o *PoolOptions) {
		o.ConnTimeout = d
	}
}

func defaultPoolOptions() PoolOptions {
	// Агент обслуживает одного заправщика: пул небольшой.
	return PoolOptions{
		ConnTimeout:     5 * time.Second,
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Store держит подключение к PostgreSQL для заявок агента, событий синхронизации и ключей идемпотентности симулятора.
type Store struct {
	db          *sql.DB
	connTimeout time.Duration
}

// Open открывает pgx-подключение и проверяет доступность базы.
func Open(ctx context.Context, dsn string, options ...PoolOption) (*Store, error) {
	opts := defaultPoolOptions()
	for _, opt := range options {
		opt(&opts)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	store := &Store{db: db, connTimeout: opts.ConnTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB возвращает *sql.DB для тестов и утилит.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.connTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Close закрывает пул.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return ErrStoreNotInitialized
	}
	return nil
}

// opContext ограничивает одну операцию репозитория: доменные порты синхронны и без ctx.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}
