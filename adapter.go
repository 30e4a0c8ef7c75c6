package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PolicyConfigAdapter is the read-only view of the relational policy
// store. Rows are created and mutated only by the external admin API and
// CLI; the policy service just reads them on cache misses.
type PolicyConfigAdapter interface {
	// QuotaForUser returns the user's message limit per rolling interval.
	// ErrNoSuchUser when the user row is absent, ErrNoSuchQuota when the
	// user exists without a quota association.
	QuotaForUser(ctx context.Context, user string) (int, error)

	// CheckDomainForUser reports whether the user is authorized to send
	// from the domain.
	CheckDomainForUser(ctx context.Context, user, domain string) (bool, error)

	// CheckEmailForUser reports whether the user is authorized to send as
	// the whole email address.
	CheckEmailForUser(ctx context.Context, user, email string) (bool, error)

	// GreylistingOn reports whether inbound mail for the recipient domain
	// is greylisted. Unknown domains are not.
	GreylistingOn(ctx context.Context, domain string) (bool, error)

	// CheckSPFOn reports whether inbound mail for the recipient domain is
	// subject to SPF enforcement.
	CheckSPFOn(ctx context.Context, domain string) (bool, error)
}

// adapterRetryDelay is the backoff before the single retry the adapter
// performs on transient store failures.
const adapterRetryDelay = 100 * time.Millisecond

// SQLPolicyConfigAdapter implements PolicyConfigAdapter over database/sql.
// The backend is selected by CHAPPS_DB_MODULE or the adapter config key:
// mysql/mariadb or postgres.
type SQLPolicyConfigAdapter struct {
	db       *sql.DB
	postgres bool
}

// OpenPolicyConfigAdapter opens the connection pool for the configured
// backend. The pool is process-wide and shared by every policy.
func OpenPolicyConfigAdapter(cfg *AdapterSettings) (*SQLPolicyConfigAdapter, error) {
	backend := cfg.Adapter
	if env := os.Getenv("CHAPPS_DB_MODULE"); env != "" {
		backend = env
	}

	var driver, dsn string
	var postgres bool
	switch backend {
	case "mysql", "mariadb":
		driver = "mysql"
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	case "postgres", "postgresql":
		driver = "postgres"
		postgres = true
		dsn = fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
			cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPass)
	default:
		return nil, fmt.Errorf("unknown policy-config adapter %q", backend)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s policy store: %w", backend, err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &SQLPolicyConfigAdapter{db: db, postgres: postgres}, nil
}

// NewSQLPolicyConfigAdapter wraps an existing pool; tests use this with a
// mocked database.
func NewSQLPolicyConfigAdapter(db *sql.DB) *SQLPolicyConfigAdapter {
	return &SQLPolicyConfigAdapter{db: db}
}

// Close releases the connection pool.
func (a *SQLPolicyConfigAdapter) Close() error {
	return a.db.Close()
}

// rebind rewrites ? placeholders to $n for the postgres backend.
func (a *SQLPolicyConfigAdapter) rebind(query string) string {
	if !a.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withRetry runs fn, retrying once after a short backoff on transient
// failures. Row-absence sentinels pass through untouched; a second failure
// is reported as ErrAdapterUnavailable.
func (a *SQLPolicyConfigAdapter) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || errors.Is(err, ErrNoSuchUser) || errors.Is(err, ErrNoSuchQuota) {
		return err
	}
	logger.Warn("Policy store query failed, retrying", zap.Error(err))
	adapterRetries.Inc()

	select {
	case <-time.After(adapterRetryDelay):
	case <-ctx.Done():
		return adapterError(ctx.Err())
	}
	if err = fn(); err != nil && !errors.Is(err, ErrNoSuchUser) && !errors.Is(err, ErrNoSuchQuota) {
		return adapterError(err)
	}
	return err
}

func (a *SQLPolicyConfigAdapter) QuotaForUser(ctx context.Context, user string) (int, error) {
	var quota int
	err := a.withRetry(ctx, func() error {
		var userID int64
		err := a.db.QueryRowContext(ctx,
			a.rebind("SELECT id FROM users WHERE name = ?"), user).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoSuchUser
		}
		if err != nil {
			return err
		}

		err = a.db.QueryRowContext(ctx, a.rebind(
			"SELECT q.quota FROM quotas AS q"+
				" JOIN quota_user AS j ON q.id = j.quota_id"+
				" WHERE j.user_id = ? LIMIT 1"), userID).Scan(&quota)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoSuchQuota
		}
		return err
	})
	return quota, err
}

func (a *SQLPolicyConfigAdapter) CheckDomainForUser(ctx context.Context, user, domain string) (bool, error) {
	var count int
	err := a.withRetry(ctx, func() error {
		return a.db.QueryRowContext(ctx, a.rebind(
			"SELECT COUNT(d.name) FROM domains AS d"+
				" JOIN domain_user AS j ON d.id = j.domain_id"+
				" JOIN users AS u ON u.id = j.user_id"+
				" WHERE d.name = ? AND u.name = ?"), domain, user).Scan(&count)
	})
	return count > 0, err
}

func (a *SQLPolicyConfigAdapter) CheckEmailForUser(ctx context.Context, user, email string) (bool, error) {
	var count int
	err := a.withRetry(ctx, func() error {
		return a.db.QueryRowContext(ctx, a.rebind(
			"SELECT COUNT(e.name) FROM emails AS e"+
				" JOIN email_user AS j ON e.id = j.email_id"+
				" JOIN users AS u ON u.id = j.user_id"+
				" WHERE e.name = ? AND u.name = ?"), email, user).Scan(&count)
	})
	return count > 0, err
}

// domainFlag reads one boolean column from the domains table. A missing
// row or a NULL flag (older schemas lack the column data) reads as false.
func (a *SQLPolicyConfigAdapter) domainFlag(ctx context.Context, column, domain string) (bool, error) {
	var flag sql.NullBool
	err := a.withRetry(ctx, func() error {
		err := a.db.QueryRowContext(ctx, a.rebind(
			"SELECT "+column+" FROM domains WHERE name = ?"), domain).Scan(&flag)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	return flag.Valid && flag.Bool, err
}

func (a *SQLPolicyConfigAdapter) GreylistingOn(ctx context.Context, domain string) (bool, error) {
	return a.domainFlag(ctx, "greylist", domain)
}

func (a *SQLPolicyConfigAdapter) CheckSPFOn(ctx context.Context, domain string) (bool, error) {
	return a.domainFlag(ctx, "check_spf", domain)
}
