package infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5"
)

// LocalOptions describes the local Postgres server used when neither a DSN
// nor docker is available. Every field can be overridden from the
// environment with the STRESS_TEST_PG_ prefix.
type LocalOptions struct {
	Host          string   `env:"HOST" envDefault:"127.0.0.1"`
	Port          int      `env:"PORT" envDefault:"5432"`
	AdminDSNs     []string `env:"ADMIN_DSNS" envSeparator:","`
	AdminUser     string   `env:"ADMIN_USER" envDefault:"postgres"`
	AdminPassword string   `env:"ADMIN_PASSWORD"`
	Role          string   `env:"ROLE" envDefault:"couplevault"`
	Password      string   `env:"PASSWORD" envDefault:"couplevault"`
	Database      string   `env:"DATABASE" envDefault:"couplevault_stress"`
}

// LoadLocalOptions reads LocalOptions from the environment.
func LoadLocalOptions() (LocalOptions, error) {
	var opts LocalOptions
	if err := env.ParseWithOptions(&opts, env.Options{Prefix: "STRESS_TEST_PG_"}); err != nil {
		return LocalOptions{}, fmt.Errorf("parse local database options: %w", err)
	}
	if opts.Role == "" || opts.Database == "" {
		return LocalOptions{}, errors.New("local database role and name are required")
	}
	return opts, nil
}

// DSN returns the connection string for the stress role on the stress database.
func (o LocalOptions) DSN() string {
	return o.dsn(url.UserPassword(o.Role, o.Password), o.Database)
}

// adminCandidates lists the admin connections to try, explicit ones first.
func (o LocalOptions) adminCandidates() []string {
	if len(o.AdminDSNs) > 0 {
		return o.AdminDSNs
	}
	admin := url.User(o.AdminUser)
	if o.AdminPassword != "" {
		admin = url.UserPassword(o.AdminUser, o.AdminPassword)
	}
	return []string{
		o.dsn(admin, "postgres"),
		o.dsn(url.UserPassword(o.AdminUser, "postgres"), "postgres"),
	}
}

func (o LocalOptions) dsn(user *url.Userinfo, database string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// InitLocalDatabase recreates the stress database on a local server and
// returns a DSN owned by the stress role.
func InitLocalDatabase(ctx context.Context, opts LocalOptions) (string, error) {
	var (
		adminConn *pgx.Conn
		err       error
	)
	for _, dsn := range opts.adminCandidates() {
		adminConn, err = pgx.Connect(ctx, dsn)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("connect to local postgres at %s:%d: %w", opts.Host, opts.Port, err)
	}
	defer adminConn.Close(ctx)

	role := pgx.Identifier{opts.Role}.Sanitize()
	db := pgx.Identifier{opts.Database}.Sanitize()

	// CREATE ROLE cannot take a bind parameter for the password.
	createRole := fmt.Sprintf(
		"DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD %s; EXCEPTION WHEN duplicate_object THEN NULL; END $$;",
		role, quoteLiteral(opts.Password),
	)
	if _, err := adminConn.Exec(ctx, createRole); err != nil {
		return "", fmt.Errorf("create stress role: %w", err)
	}

	_, _ = adminConn.Exec(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		opts.Database,
	)
	if _, err := adminConn.Exec(ctx, "DROP DATABASE IF EXISTS "+db); err != nil {
		return "", fmt.Errorf("drop stress database: %w", err)
	}
	if _, err := adminConn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s", db, role)); err != nil {
		return "", fmt.Errorf("create stress database: %w", err)
	}

	return opts.DSN(), nil
}

func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
