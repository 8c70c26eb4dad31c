package services

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// duplicateAccountField reports which unique users column a failed insert
// collided with: "email", "username", or "" when err is not a uniqueness
// violation. Racing registrations land here after the lookups passed.
func duplicateAccountField(err error) string {
	if err == nil {
		return ""
	}

	detail := ""
	var pgErr *pgconn.PgError
	var myErr *mysql.MySQLError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		detail = pgErr.ConstraintName + " " + pgErr.Detail
	case errors.As(err, &myErr) && myErr.Number == 1062:
		detail = myErr.Message
	case errors.Is(err, gorm.ErrDuplicatedKey):
		detail = err.Error()
	default:
		lower := strings.ToLower(err.Error())
		if !strings.Contains(lower, "unique") && !strings.Contains(lower, "duplicate") {
			return ""
		}
		detail = lower
	}

	if strings.Contains(strings.ToLower(detail), "email") {
		return "email"
	}
	return "username"
}
