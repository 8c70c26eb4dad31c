package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/models"
)

// Audit actions emitted outside the core.
const (
	ActionAccountRegister = "account.register"
	ActionAccountActivate = "account.activate"
	ActionAccountUpdate   = "account.update"
	ActionPasswordForgot  = "account.password_forgot"
	ActionPasswordReset   = "account.password_reset"
)

// AuditFilters encapsulates optional filters when querying audit logs.
type AuditFilters struct {
	Username string
	Action   string
	Result   string
	Since    *time.Time
	Until    *time.Time
}

// AuditListOptions controls pagination and filtering for audit queries.
type AuditListOptions struct {
	Page     int
	PageSize int
	Filters  AuditFilters
}

// AuditService persists and retrieves audit log entries. It implements auth.Auditor.
type AuditService struct {
	db  *gorm.DB
	now func() time.Time
}

var _ auth.Auditor = (*AuditService)(nil)

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB, clock func() time.Time) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &AuditService{db: db, now: clock}, nil
}

// Record stores an event, marshalling metadata into JSON form. It writes
// through the request transaction when ctx carries one.
func (s *AuditService) Record(ctx context.Context, event auth.Event) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(event.Action) == "" {
		return errors.New("audit service: action is required")
	}
	if strings.TrimSpace(event.Result) == "" {
		return errors.New("audit service: result is required")
	}

	var payload datatypes.JSON
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("audit service: marshal metadata: %w", err)
		}
		payload = datatypes.JSON(encoded)
	}

	entry := models.AuditLog{
		Username:  strings.TrimSpace(event.Username),
		Action:    strings.TrimSpace(event.Action),
		Result:    strings.TrimSpace(event.Result),
		IPAddress: strings.TrimSpace(event.IPAddress),
		UserAgent: strings.TrimSpace(event.UserAgent),
		Metadata:  payload,
		CreatedAt: s.now().UTC(),
	}
	if err := database.Conn(ctx, s.db).Create(&entry).Error; err != nil {
		return fmt.Errorf("audit service: create log: %w", err)
	}
	return nil
}

// List returns paginated audit logs ordered by creation time descending.
func (s *AuditService) List(ctx context.Context, opts AuditListOptions) ([]models.AuditLog, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.AuditLog
		total   int64
	)

	query := applyAuditFilters(database.Conn(ctx, s.db).Model(&models.AuditLog{}), opts.Filters)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count logs: %w", err)
	}

	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: list logs: %w", err)
	}

	return results, total, nil
}

// CleanupOlderThan removes audit logs older than the supplied retention window.
func (s *AuditService) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	ctx = ensureContext(ctx)

	if retention <= 0 {
		return 0, errors.New("audit service: retention must be positive")
	}

	cutoff := s.now().Add(-retention).UTC()
	result := database.Conn(ctx, s.db).Where("created_at < ?", cutoff).Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit service: cleanup logs: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func applyAuditFilters(query *gorm.DB, filters AuditFilters) *gorm.DB {
	if filters.Username != "" {
		query = query.Where("username = ?", filters.Username)
	}
	if filters.Action != "" {
		query = query.Where("action = ?", filters.Action)
	}
	if filters.Result != "" {
		query = query.Where("result = ?", filters.Result)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", filters.Since.UTC())
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", filters.Until.UTC())
	}
	return query
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
