package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"buildhook/shared/model"
)

type eventRow struct {
	ID          string  `gorm:"primaryKey;size:64"`
	Provider    string  `gorm:"size:32;uniqueIndex:idx_event_delivery"`
	DeliveryID  *string `gorm:"size:128;uniqueIndex:idx_event_delivery"`
	EventType   string  `gorm:"size:128"`
	Kind        string  `gorm:"size:32"`
	Payload     []byte
	Processed   bool     `gorm:"index"`
	ProjectID   string   `gorm:"size:64;index"`
	BuildIDs    []string `gorm:"serializer:json"`
	Error       string
	VerifiedFor string    `gorm:"size:64"`
	ReceivedAt  time.Time `gorm:"index"`
	ProcessedAt *time.Time
}

func (eventRow) TableName() string { return "webhook_events" }

type projectRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	RepositoryID  string `gorm:"size:255;index:idx_project_repo"`
	RepositoryURL string `gorm:"size:512"`
	Provider      string `gorm:"size:32;index:idx_project_repo"`
	DefaultBranch string `gorm:"size:255"`
	OwnerID       string `gorm:"size:128;index"`
}

func (projectRow) TableName() string { return "projects" }

type settingsRow struct {
	ProjectID           string `gorm:"primaryKey;size:64"`
	AutoDeployEnabled   bool
	BuildTimeoutMinutes int
	WebhookSecret       string `gorm:"size:255"`
	BuildType           string `gorm:"size:32"`
	NotifyOnSuccess     bool
	NotifyOnFailure     bool
}

func (settingsRow) TableName() string { return "project_settings" }

type buildRow struct {
	ID         string            `gorm:"primaryKey;size:64"`
	ProjectID  string            `gorm:"size:64;index"`
	OwnerID    string            `gorm:"size:128;index"`
	EventID    string            `gorm:"size:64"`
	Status     string            `gorm:"size:16;index"`
	BuildType  string            `gorm:"size:32"`
	Trigger    model.Trigger     `gorm:"serializer:json"`
	Steps      []model.BuildStep `gorm:"serializer:json"`
	Reason     string
	Artifact   string    `gorm:"size:512"`
	QueuedAt   time.Time `gorm:"index"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	Duration   int64
	Version    int64
}

func (buildRow) TableName() string { return "builds" }

type accountSlotsRow struct {
	AccountID string `gorm:"primaryKey;size:128"`
	InUse     int
}

func (accountSlotsRow) TableName() string { return "account_slots" }

type buildSlotRow struct {
	BuildID   string `gorm:"primaryKey;size:64"`
	AccountID string `gorm:"size:128;index"`
}

func (buildSlotRow) TableName() string { return "build_slots" }

// SQLStore persists through gorm. Optimistic build updates are a conditional
// UPDATE on the version column; slot acquisition is a conditional counter
// update inside a transaction.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL opens dialect ("sqlite" or "mysql") and migrates the schema.
func OpenSQL(dialect, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if dialect == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows one writer; a single connection also keeps
		// :memory: databases shared.
		sqlDB.SetMaxOpenConns(1)
	}

	return NewSQLStore(db)
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(
		&eventRow{},
		&projectRow{},
		&settingsRow{},
		&buildRow{},
		&accountSlotsRow{},
		&buildSlotRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func toEventRow(e *model.WebhookEvent) *eventRow {
	r := &eventRow{
		ID:          e.ID,
		Provider:    string(e.Provider),
		EventType:   e.EventType,
		Kind:        string(e.Kind),
		Payload:     e.Payload,
		Processed:   e.Processed,
		ProjectID:   e.ProjectID,
		BuildIDs:    e.BuildIDs,
		Error:       e.Error,
		VerifiedFor: e.VerifiedFor,
		ReceivedAt:  e.ReceivedAt,
		ProcessedAt: e.ProcessedAt,
	}
	if e.DeliveryID != "" {
		d := e.DeliveryID
		r.DeliveryID = &d
	}
	return r
}

func (r *eventRow) model() *model.WebhookEvent {
	e := &model.WebhookEvent{
		ID:          r.ID,
		Provider:    model.Provider(r.Provider),
		EventType:   r.EventType,
		Kind:        model.EventKind(r.Kind),
		Payload:     r.Payload,
		Processed:   r.Processed,
		ProjectID:   r.ProjectID,
		BuildIDs:    r.BuildIDs,
		Error:       r.Error,
		VerifiedFor: r.VerifiedFor,
		ReceivedAt:  r.ReceivedAt,
		ProcessedAt: r.ProcessedAt,
	}
	if r.DeliveryID != nil {
		e.DeliveryID = *r.DeliveryID
	}
	return e
}

func (s *SQLStore) CreateEvent(ctx context.Context, e *model.WebhookEvent) error {
	if e.DeliveryID != "" {
		if _, err := s.FindEventByDelivery(ctx, e.Provider, e.DeliveryID); err == nil {
			return ErrDuplicateDelivery
		}
	}
	err := s.db.WithContext(ctx).Create(toEventRow(e)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if e.DeliveryID != "" {
			return ErrDuplicateDelivery
		}
		return ErrExists
	}
	return err
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	var r eventRow
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return r.model(), nil
}

func (s *SQLStore) FindEventByDelivery(ctx context.Context, provider model.Provider, deliveryID string) (*model.WebhookEvent, error) {
	var r eventRow
	err := s.db.WithContext(ctx).
		Where("provider = ? AND delivery_id = ?", string(provider), deliveryID).
		First(&r).Error
	if err != nil {
		return nil, notFound(err)
	}
	return r.model(), nil
}

func (s *SQLStore) MarkEventProcessed(ctx context.Context, id string, out model.EventOutcome, at time.Time) error {
	var r eventRow
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return notFound(err)
	}
	if r.Processed {
		return ErrAlreadyProcessed
	}

	r.Processed = true
	r.ProjectID = out.ProjectID
	r.BuildIDs = out.BuildIDs
	r.Error = out.Error
	r.ProcessedAt = &at

	res := s.db.WithContext(ctx).Model(&r).
		Where("processed = ?", false).
		Select("processed", "project_id", "build_ids", "error", "processed_at").
		Updates(&r)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (s *SQLStore) ListUnprocessedEvents(ctx context.Context) ([]*model.WebhookEvent, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("received_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.WebhookEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *SQLStore) SaveProject(ctx context.Context, p *model.Project) error {
	return s.db.WithContext(ctx).Save(&projectRow{
		ID:            p.ID,
		RepositoryID:  p.RepositoryID,
		RepositoryURL: p.RepositoryURL,
		Provider:      string(p.Provider),
		DefaultBranch: p.DefaultBranch,
		OwnerID:       p.OwnerID,
	}).Error
}

func (r *projectRow) model() *model.Project {
	return &model.Project{
		ID:            r.ID,
		RepositoryID:  r.RepositoryID,
		RepositoryURL: r.RepositoryURL,
		Provider:      model.Provider(r.Provider),
		DefaultBranch: r.DefaultBranch,
		OwnerID:       r.OwnerID,
	}
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var r projectRow
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return r.model(), nil
}

func (s *SQLStore) ListProjectsByRepository(ctx context.Context, provider model.Provider, repositoryID string) ([]*model.Project, error) {
	var rows []projectRow
	err := s.db.WithContext(ctx).
		Where("provider = ? AND repository_id = ?", string(provider), repositoryID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.Project, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *SQLStore) SaveSettings(ctx context.Context, ps *model.ProjectSettings) error {
	return s.db.WithContext(ctx).Save(&settingsRow{
		ProjectID:           ps.ProjectID,
		AutoDeployEnabled:   ps.AutoDeployEnabled,
		BuildTimeoutMinutes: ps.BuildTimeoutMinutes,
		WebhookSecret:       ps.WebhookSecret,
		BuildType:           ps.BuildType,
		NotifyOnSuccess:     ps.NotifyOnSuccess,
		NotifyOnFailure:     ps.NotifyOnFailure,
	}).Error
}

func (s *SQLStore) GetSettings(ctx context.Context, projectID string) (*model.ProjectSettings, error) {
	var r settingsRow
	if err := s.db.WithContext(ctx).First(&r, "project_id = ?", projectID).Error; err != nil {
		return nil, notFound(err)
	}
	return &model.ProjectSettings{
		ProjectID:           r.ProjectID,
		AutoDeployEnabled:   r.AutoDeployEnabled,
		BuildTimeoutMinutes: r.BuildTimeoutMinutes,
		WebhookSecret:       r.WebhookSecret,
		BuildType:           r.BuildType,
		NotifyOnSuccess:     r.NotifyOnSuccess,
		NotifyOnFailure:     r.NotifyOnFailure,
	}, nil
}

func toBuildRow(b *model.Build) *buildRow {
	return &buildRow{
		ID:         b.ID,
		ProjectID:  b.ProjectID,
		OwnerID:    b.OwnerID,
		EventID:    b.EventID,
		Status:     string(b.Status),
		BuildType:  b.BuildType,
		Trigger:    b.Trigger,
		Steps:      b.Steps,
		Reason:     b.Reason,
		Artifact:   b.Artifact,
		QueuedAt:   b.QueuedAt,
		StartedAt:  b.StartedAt,
		FinishedAt: b.FinishedAt,
		Duration:   b.Duration,
		Version:    b.Version,
	}
}

func (r *buildRow) model() *model.Build {
	return &model.Build{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		OwnerID:    r.OwnerID,
		EventID:    r.EventID,
		Status:     model.BuildStatus(r.Status),
		BuildType:  r.BuildType,
		Trigger:    r.Trigger,
		Steps:      r.Steps,
		Reason:     r.Reason,
		Artifact:   r.Artifact,
		QueuedAt:   r.QueuedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Duration:   r.Duration,
		Version:    r.Version,
	}
}

func (s *SQLStore) CreateBuild(ctx context.Context, b *model.Build) error {
	row := toBuildRow(b)
	row.Version = 1
	err := s.db.WithContext(ctx).Create(row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrExists
	}
	if err != nil {
		return err
	}
	b.Version = 1
	return nil
}

func (s *SQLStore) GetBuild(ctx context.Context, id string) (*model.Build, error) {
	var r buildRow
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return r.model(), nil
}

func (s *SQLStore) UpdateBuild(ctx context.Context, b *model.Build) error {
	row := toBuildRow(b)
	row.Version = b.Version + 1

	res := s.db.WithContext(ctx).Model(row).
		Where("version = ?", b.Version).
		Select("*").
		Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetBuild(ctx, b.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	b.Version = row.Version
	return nil
}

func (s *SQLStore) ListBuilds(ctx context.Context, f BuildFilter) ([]*model.Build, error) {
	q := s.db.WithContext(ctx).Order("queued_at DESC")
	if f.ProjectID != "" {
		q = q.Where("project_id = ?", f.ProjectID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []buildRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Build, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *SQLStore) AcquireSlot(ctx context.Context, accountID, buildID string, limit int) (bool, error) {
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var held int64
		if err := tx.Model(&buildSlotRow{}).Where("build_id = ?", buildID).Count(&held).Error; err != nil {
			return err
		}
		if held > 0 {
			acquired = true
			return nil
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&accountSlotsRow{AccountID: accountID}).Error; err != nil {
			return err
		}
		res := tx.Model(&accountSlotsRow{}).
			Where("account_id = ? AND in_use < ?", accountID, limit).
			UpdateColumn("in_use", gorm.Expr("in_use + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(&buildSlotRow{BuildID: buildID, AccountID: accountID}).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *SQLStore) ReleaseSlot(ctx context.Context, accountID, buildID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("build_id = ?", buildID).Delete(&buildSlotRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&accountSlotsRow{}).
			Where("account_id = ? AND in_use > 0", accountID).
			UpdateColumn("in_use", gorm.Expr("in_use - ?", 1)).Error
	})
}
