package sonibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

const (
	columnReminderOwner            = "owner"
	columnReminderDue              = "due"
	columnReminderActive           = "active"
	columnReminderContent          = "content"
	columnReminderFiredAt          = "fired_at"
	columnReminderDeliveryAttempts = "delivery_attempts"
	columnReminderDeliveryError    = "delivery_error"
)

var (
	// ErrReminderNotFound is returned when a reminder doesn't exist, is no
	// longer active, or belongs to someone else.
	ErrReminderNotFound = errors.New("reminder not found")

	// ErrInvalidReminder is wrapped by validation failures.
	ErrInvalidReminder = errors.New("invalid reminder")

	// ErrDueInPast is returned when a reminder would be due before now,
	// where that isn't allowed.
	ErrDueInPast = errors.New("reminder cannot be set in the past")
)

// Reminder is a message to be delivered to Destination, mentioning Owner,
// once Due has passed.
//
// Active starts true and only ever becomes false, either when the reminder
// is delivered (or delivery is given up on) or when it's cancelled.
// Reminders are never deleted.
type Reminder struct {
	ModelUintID
	ModelUnixTime

	// Discord user ID of the user who created the reminder
	Owner string `gorm:"not null;index:idx_reminder_owner_active" json:"owner"`

	// Discord channel ID the reminder is delivered to
	Destination string `gorm:"not null" json:"destination"`

	// Guild the reminder was created in, if any
	GuildID string `json:"guild_id,omitempty"`

	Content string `gorm:"not null" json:"content"`

	// Unix milliseconds
	Due int64 `gorm:"not null;index:idx_reminder_active_due,priority:2" json:"due"`

	Active bool `gorm:"not null;index:idx_reminder_active_due,priority:1;index:idx_reminder_owner_active" json:"active"`

	// When the poller transitioned the reminder, in unix milliseconds
	FiredAt          *int64  `json:"fired_at,omitempty"`
	DeliveryAttempts int     `gorm:"not null;default:0" json:"delivery_attempts"`
	DeliveryError    *string `json:"delivery_error,omitempty"`
}

func (Reminder) TableName() string {
	return "reminders"
}

// DueTime returns Due as a time.Time in UTC
func (r Reminder) DueTime() time.Time {
	return time.UnixMilli(r.Due).UTC()
}

// CreatedTime returns CreatedAt as a time.Time in UTC
func (r Reminder) CreatedTime() time.Time {
	return time.UnixMilli(r.CreatedAt).UTC()
}

func (r Reminder) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(r.ID)),
		slog.String(columnReminderOwner, r.Owner),
		slog.String("destination", r.Destination),
		slog.Time(columnReminderDue, r.DueTime()),
		slog.Bool(columnReminderActive, r.Active),
	}
	if r.DeliveryAttempts > 0 {
		attrs = append(attrs, slog.Int(columnReminderDeliveryAttempts, r.DeliveryAttempts))
	}
	if r.DeliveryError != nil {
		attrs = append(attrs, slog.String("delivery_error", stringPointerValue(r.DeliveryError)))
	}
	return slog.GroupValue(attrs...)
}

// ReminderFilter narrows ReminderStore.FindActive. Zero values don't filter.
type ReminderFilter struct {
	Owner string

	// If set, only reminders with Due <= DueBefore are returned
	DueBefore *time.Time
}

// ReminderStore persists reminders.
//
// Only active reminders are visible through FindActive and FindByID.
// Update only applies to reminders that are still active, so a reminder
// that has been cancelled or delivered can't be modified or reactivated.
// It writes only the named columns (all mutable columns if none are
// given), so concurrent writers holding different copies of a reminder
// don't revert each other's changes.
type ReminderStore interface {
	Insert(ctx context.Context, r *Reminder) (uint, error)
	FindActive(ctx context.Context, filter ReminderFilter) ([]Reminder, error)
	FindByID(ctx context.Context, id uint) (*Reminder, error)
	Update(ctx context.Context, r *Reminder, columns ...string) error
}

// reminderColumns maps each column Update can write to its value in r.
var reminderColumns = map[string]func(r *Reminder) any{
	columnReminderContent:          func(r *Reminder) any { return r.Content },
	columnReminderDue:              func(r *Reminder) any { return r.Due },
	columnReminderActive:           func(r *Reminder) any { return r.Active },
	columnReminderFiredAt:          func(r *Reminder) any { return r.FiredAt },
	columnReminderDeliveryAttempts: func(r *Reminder) any { return r.DeliveryAttempts },
	columnReminderDeliveryError:    func(r *Reminder) any { return r.DeliveryError },
}

var (
	// written by the poller once delivery settles
	reminderFiredColumns = []string{
		columnReminderActive,
		columnReminderFiredAt,
		columnReminderDeliveryAttempts,
		columnReminderDeliveryError,
	}

	reminderMutableColumns = append(
		[]string{columnReminderContent, columnReminderDue},
		reminderFiredColumns...,
	)
)

// reminderColumnValues returns the values of columns in r, for Update.
func reminderColumnValues(r *Reminder, columns []string) (map[string]any, error) {
	if len(columns) == 0 {
		columns = reminderMutableColumns
	}
	values := make(map[string]any, len(columns))
	for _, c := range columns {
		value, ok := reminderColumns[c]
		if !ok {
			return nil, fmt.Errorf("%w: column %q can't be updated", ErrInvalidReminder, c)
		}
		values[c] = value(r)
	}
	return values, nil
}

type gormReminderStore struct {
	db      *gorm.DB
	writeDB DBI
}

// NewReminderStore returns a ReminderStore reading from writeDB's
// connection and writing through writeDB.
func NewReminderStore(writeDB DBI) ReminderStore {
	return &gormReminderStore{db: writeDB.DB(), writeDB: writeDB}
}

func (s *gormReminderStore) Insert(ctx context.Context, r *Reminder) (uint, error) {
	if r.ID != 0 {
		return 0, fmt.Errorf("%w: insert with existing id %d", ErrInvalidReminder, r.ID)
	}
	r.Active = true
	if _, err := s.writeDB.Create(ctx, r); err != nil {
		return 0, fmt.Errorf("error inserting reminder: %w", err)
	}
	return r.ID, nil
}

func (s *gormReminderStore) FindActive(
	ctx context.Context,
	filter ReminderFilter,
) ([]Reminder, error) {
	q := s.db.WithContext(ctx).Where(columnReminderActive+" = ?", true)
	if filter.Owner != "" {
		q = q.Where(columnReminderOwner+" = ?", filter.Owner)
	}
	if filter.DueBefore != nil {
		q = q.Where(columnReminderDue+" <= ?", filter.DueBefore.UnixMilli())
	}

	var reminders []Reminder
	if err := q.Find(&reminders).Error; err != nil {
		return nil, fmt.Errorf("error finding reminders: %w", err)
	}
	return reminders, nil
}

func (s *gormReminderStore) FindByID(ctx context.Context, id uint) (*Reminder, error) {
	var r Reminder
	err := s.db.WithContext(ctx).
		Where("id = ? AND "+columnReminderActive+" = ?", id, true).
		Take(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReminderNotFound
		}
		return nil, fmt.Errorf("error finding reminder %d: %w", id, err)
	}
	return &r, nil
}

// Update writes columns of r (or every mutable column, if none are
// named). The row must still be active, otherwise ErrReminderNotFound is
// returned and nothing is written.
func (s *gormReminderStore) Update(ctx context.Context, r *Reminder, columns ...string) error {
	if r.ID == 0 {
		return ErrReminderNotFound
	}
	values, err := reminderColumnValues(r, columns)
	if err != nil {
		return err
	}
	rows, err := s.writeDB.UpdatesWhere(
		ctx,
		&Reminder{},
		values,
		"id = ? AND "+columnReminderActive+" = ?",
		r.ID,
		true,
	)
	if err != nil {
		return fmt.Errorf("error updating reminder %d: %w", r.ID, err)
	}
	if rows == 0 {
		return ErrReminderNotFound
	}
	return nil
}

// ReminderQuery narrows listReminders. Unlike ReminderFilter it can
// include inactive reminders.
type ReminderQuery struct {
	Pagination
	Owner  string `form:"owner"`
	Active *bool  `form:"active"`
}

// listReminders returns reminders matching q for the admin API,
// including inactive ones when q.Active isn't set.
func listReminders(ctx context.Context, db *gorm.DB, q ReminderQuery) ([]Reminder, error) {
	tx := db.WithContext(ctx).Model(&Reminder{})
	if q.Owner != "" {
		tx = tx.Where(columnReminderOwner+" = ?", q.Owner)
	}
	if q.Active != nil {
		tx = tx.Where(columnReminderActive+" = ?", *q.Active)
	}
	tx = tx.Order(fmt.Sprintf("%s %s, id %s", columnReminderDue, q.sortOrder(), q.sortOrder()))
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var reminders []Reminder
	if err := tx.Find(&reminders).Error; err != nil {
		return nil, err
	}
	return reminders, nil
}

// getReminder returns a reminder by ID regardless of whether it's active.
func getReminder(ctx context.Context, db *gorm.DB, id uint) (*Reminder, error) {
	var r Reminder
	if err := db.WithContext(ctx).Take(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReminderNotFound
		}
		return nil, err
	}
	return &r, nil
}
