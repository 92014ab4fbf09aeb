package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
)

var clinicIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidClinicID reports whether id is safe to embed in a schema name.
func ValidClinicID(id string) bool {
	return clinicIDPattern.MatchString(id)
}

// SchemaFor returns the schema holding the given clinic's tables.
func SchemaFor(clinicID string) string {
	return "clinic_" + clinicID
}

// ClinicMiddleware pins one pooled connection to the caller's clinic schema for
// the duration of the request.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := ResolveClinicID(c, defaultClinic)
			if !ValidClinicID(clinicID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer releaseScoped(conn)

			if err := setSearchPath(ctx, conn, clinicID); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "clinic resolution failed")
			}

			ctx = WithClinic(ctx, clinicID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("clinic_id", clinicID)

			return next(c)
		}
	}
}

// ResolveClinicID picks the clinic for a request: token claim, then
// X-Clinic-ID header, then clinic_id query parameter, then the default.
func ResolveClinicID(c echo.Context, defaultClinic string) string {
	if cid, ok := c.Get("jwt_clinic_id").(string); ok && cid != "" {
		return cid
	}
	if cid := c.Request().Header.Get("X-Clinic-ID"); cid != "" {
		return cid
	}
	if cid := c.QueryParam("clinic_id"); cid != "" {
		return cid
	}
	return defaultClinic
}

// WithClinic returns a context naming the clinic without carrying a connection.
// Repositories acquire a clinic-scoped connection per call from such contexts.
func WithClinic(ctx context.Context, clinicID string) context.Context {
	return context.WithValue(ctx, ClinicIDKey, clinicID)
}

// WithoutConn strips the request-scoped connection from ctx, keeping the clinic.
// Use it for work that outlives the request, such as live subscriptions.
func WithoutConn(ctx context.Context) context.Context {
	return context.WithValue(ctx, DBConnKey, (*pgxpool.Conn)(nil))
}

// ConnFromContext retrieves the clinic-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// ClinicFromContext retrieves the clinic ID from context.
func ClinicFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(ClinicIDKey).(string)
	return cid
}

func setSearchPath(ctx context.Context, conn *pgxpool.Conn, clinicID string) error {
	_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaFor(clinicID)))
	return err
}

func releaseScoped(conn *pgxpool.Conn) {
	// Reset before returning to the pool so unscoped users see public.
	_, _ = conn.Exec(context.Background(), "RESET search_path")
	conn.Release()
}

// CreateClinicSchema creates the schema for a clinic and runs all migrations
// against it. A nil migrator skips migrations.
func CreateClinicSchema(ctx context.Context, pool *pgxpool.Pool, clinicID string, migrator *Migrator) error {
	if !ValidClinicID(clinicID) {
		return fmt.Errorf("invalid clinic identifier: %s", clinicID)
	}

	schema := SchemaFor(clinicID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
