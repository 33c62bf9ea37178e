package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xibeiwind/solidity-task/core/events"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Record is an archived notification. Seq orders records in emission order.
type Record struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement" json:"seq"`
	EventID    uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"id"`
	Type       string    `gorm:"size:64;index" json:"type"`
	AuctionID  uint64    `gorm:"index" json:"auctionId,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName pins the table name.
func (Record) TableName() string { return "auction_events" }

// Attrs decodes the stored attribute map.
func (r Record) Attrs() map[string]string {
	out := map[string]string{}
	if r.Attributes == "" {
		return out
	}
	_ = json.Unmarshal([]byte(r.Attributes), &out)
	return out
}

// MarshalJSON inlines the decoded attributes.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	return json.Marshal(struct {
		alias
		Attributes map[string]string `json:"attributes"`
	}{alias: alias(r), Attributes: r.Attrs()})
}

// Filter narrows List results.
type Filter struct {
	AuctionID uint64
	Type      string
	// After returns only records with a larger sequence.
	After uint64
	Limit int
}

// Archive persists every emitted notification into a SQL table.
type Archive struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the database described by dsn. postgres:// and
// postgresql:// URLs select Postgres, anything else is handed to sqlite.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("eventlog: dsn required")
	}
	dialector := sqlite.Open(trimmed)
	if IsPostgres(trimmed) {
		dialector = postgres.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s archive: %w", dialector.Name(), err)
	}
	return db, nil
}

// IsPostgres reports whether dsn names a Postgres database.
func IsPostgres(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// AutoMigrate creates the archive schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

// New wraps db, migrating the schema first.
func New(db *gorm.DB, log *slog.Logger) (*Archive, error) {
	if db == nil {
		return nil, fmt.Errorf("eventlog: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Archive{db: db, logger: log, now: time.Now}, nil
}

// Emit implements events.Emitter. Events that carry no attribute payload are
// skipped. Storage failures are logged, never propagated to the emitter.
func (a *Archive) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	if _, err := a.Append(context.Background(), payload.Event().Type, payload.Event().Attributes); err != nil {
		a.logger.Error("eventlog: archive notification",
			slog.String("type", payload.Event().Type),
			slog.Any("error", err))
	}
}

// Append stores one notification and returns the stored record.
func (a *Archive) Append(ctx context.Context, eventType string, attrs map[string]string) (Record, error) {
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		EventID:    uuid.New(),
		Type:       eventType,
		Attributes: string(encoded),
		CreatedAt:  a.now().UTC(),
	}
	if raw, ok := attrs["auctionId"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			rec.AuctionID = id
		}
	}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns archived records matching f in sequence order.
func (a *Archive) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := a.db.WithContext(ctx).Model(&Record{}).Where("seq > ?", f.After)
	if f.AuctionID != 0 {
		query = query.Where("auction_id = ?", f.AuctionID)
	}
	if t := strings.TrimSpace(f.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	var out []Record
	if err := query.Order("seq asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
