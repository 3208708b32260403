package sonibot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lmittmann/tint"
)

// TimeUnit is a unit a reminder's due time can be given or adjusted in.
type TimeUnit string

const (
	UnitDays    TimeUnit = "days"
	UnitHours   TimeUnit = "hours"
	UnitMinutes TimeUnit = "minutes"
	UnitSeconds TimeUnit = "seconds"
)

var timeUnits = map[TimeUnit]time.Duration{
	UnitDays:    24 * time.Hour,
	UnitHours:   time.Hour,
	UnitMinutes: time.Minute,
	UnitSeconds: time.Second,
}

// timeUnitOrder is the display order of timeUnits
var timeUnitOrder = []TimeUnit{UnitDays, UnitHours, UnitMinutes, UnitSeconds}

// DueAction is the direction of a relative due time edit.
type DueAction string

const (
	DueAdd      DueAction = "add"
	DueSubtract DueAction = "subtract"
)

var dueActionSigns = map[DueAction]time.Duration{
	DueAdd:      1,
	DueSubtract: -1,
}

var (
	ErrUnknownTimeUnit  = fmt.Errorf("%w: unknown time unit", ErrInvalidReminder)
	ErrUnknownDueAction = fmt.Errorf("%w: unknown action", ErrInvalidReminder)
	ErrContentTooLong   = fmt.Errorf("%w: content too long", ErrInvalidReminder)
	ErrInvalidDate      = fmt.Errorf("%w: invalid date", ErrInvalidReminder)
	ErrDueOutOfRange    = fmt.Errorf("%w: due time out of range", ErrInvalidReminder)
)

// maxDueYear is the latest year a due time can fall in.
const maxDueYear = 9999

// Duration returns amount of u. An unknown unit returns ErrUnknownTimeUnit.
func (u TimeUnit) Duration(amount int64) (time.Duration, error) {
	d, ok := timeUnits[u]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTimeUnit, u)
	}
	if amount > math.MaxInt64/int64(d) || amount < math.MinInt64/int64(d) {
		return 0, fmt.Errorf("%w: %d %s", ErrDueOutOfRange, amount, u)
	}
	return time.Duration(amount) * d, nil
}

// checkDueRange rejects due times past maxDueYear.
func checkDueRange(due time.Time) (time.Time, error) {
	if due.Year() > maxDueYear {
		return time.Time{}, fmt.Errorf("%w: %s", ErrDueOutOfRange, due.Format(time.DateOnly))
	}
	return due, nil
}

// RelativeDue is an offset from now, split into units.
type RelativeDue struct {
	Days    int64 `binding:"min=0"`
	Hours   int64 `binding:"min=0"`
	Minutes int64 `binding:"min=0"`
	Seconds int64 `binding:"min=0"`
}

// After returns the due time relative to now.
func (r RelativeDue) After(now time.Time) (time.Time, error) {
	if err := structValidator.Struct(r); err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidReminder, err)
	}
	d, err := r.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return checkDueRange(now.Add(d))
}

// Duration sums the offset. Amounts too large to represent as a
// time.Duration return ErrDueOutOfRange.
func (r RelativeDue) Duration() (time.Duration, error) {
	amounts := map[TimeUnit]int64{
		UnitDays:    r.Days,
		UnitHours:   r.Hours,
		UnitMinutes: r.Minutes,
		UnitSeconds: r.Seconds,
	}
	var total time.Duration
	for _, unit := range timeUnitOrder {
		d, err := unit.Duration(amounts[unit])
		if err != nil {
			return 0, err
		}
		if total > math.MaxInt64-d {
			return 0, fmt.Errorf("%w: offset overflows", ErrDueOutOfRange)
		}
		total += d
	}
	return total, nil
}

// AbsoluteDue is a calendar date and time in UTC.
type AbsoluteDue struct {
	Year   int `binding:"min=1970,max=9999"`
	Month  int `binding:"min=1,max=12"`
	Day    int `binding:"min=1,max=31"`
	Hour   int `binding:"min=0,max=23"`
	Minute int `binding:"min=0,max=59"`
	Second int `binding:"min=0,max=59"`
}

// Time returns the due time. Dates that don't exist, such as February 30th,
// return ErrInvalidDate rather than rolling over into the next month.
func (a AbsoluteDue) Time() (time.Time, error) {
	if err := structValidator.Struct(a); err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidDate, err)
	}
	t := time.Date(a.Year, time.Month(a.Month), a.Day, a.Hour, a.Minute, a.Second, 0, time.UTC)
	if t.Day() != a.Day || int(t.Month()) != a.Month {
		return time.Time{}, fmt.Errorf(
			"%w: %04d-%02d-%02d",
			ErrInvalidDate,
			a.Year,
			a.Month,
			a.Day,
		)
	}
	return t, nil
}

// DueEdit changes a reminder's due time, either to Absolute, or by
// adding/subtracting Amount of Unit.
type DueEdit struct {
	Absolute *time.Time
	Action   DueAction
	Amount   int64
	Unit     TimeUnit
}

func (e DueEdit) apply(due time.Time) (time.Time, error) {
	if e.Absolute != nil {
		return checkDueRange(e.Absolute.UTC())
	}
	sign, ok := dueActionSigns[e.Action]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownDueAction, e.Action)
	}
	if e.Amount < 0 {
		return time.Time{}, fmt.Errorf("%w: amount must be >= 0", ErrInvalidReminder)
	}
	d, err := e.Unit.Duration(e.Amount)
	if err != nil {
		return time.Time{}, err
	}
	return checkDueRange(due.Add(sign * d))
}

// CreateReminderRequest holds the fields of a new reminder.
type CreateReminderRequest struct {
	Owner       string    `binding:"required"`
	Destination string    `binding:"required"`
	GuildID     string
	Content     string    `binding:"required"`
	Due         time.Time `binding:"required"`
}

// ReminderService implements the reminder operations available to users,
// validating input before anything reaches the store.
//
// Operations taking an owner only see that owner's reminders. Passing an
// empty owner lifts the restriction, which the admin API relies on.
type ReminderService struct {
	store  ReminderStore
	config *ReminderConfig
	logger *slog.Logger
	now    func() time.Time

	// onDue is called after creating a reminder that's already due, so it
	// doesn't wait for the next poll interval.
	onDue func()
}

func NewReminderService(
	store ReminderStore,
	config *ReminderConfig,
	logger *slog.Logger,
) *ReminderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderService{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (s *ReminderService) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidReminder)
	}
	if n := utf8.RuneCountInString(content); n > s.config.MaxContentLength {
		return fmt.Errorf(
			"%w: %d characters, max %d",
			ErrContentTooLong,
			n,
			s.config.MaxContentLength,
		)
	}
	return nil
}

// Create validates and stores a new reminder.
func (s *ReminderService) Create(
	ctx context.Context,
	req CreateReminderRequest,
) (*Reminder, error) {
	if err := structValidator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReminder, err)
	}
	if err := s.validateContent(req.Content); err != nil {
		return nil, err
	}

	now := s.now()
	if s.config.RequireFutureDue && req.Due.Before(now) {
		return nil, ErrDueInPast
	}

	r := &Reminder{
		Owner:       req.Owner,
		Destination: req.Destination,
		GuildID:     req.GuildID,
		Content:     req.Content,
		Due:         req.Due.UnixMilli(),
		Active:      true,
	}
	if _, err := s.store.Insert(ctx, r); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "created reminder", "reminder", r)

	if !r.DueTime().After(now) && s.onDue != nil {
		s.onDue()
	}
	return r, nil
}

// List returns owner's active reminders, soonest due first.
func (s *ReminderService) List(ctx context.Context, owner string) ([]Reminder, error) {
	reminders, err := s.store.FindActive(ctx, ReminderFilter{Owner: owner})
	if err != nil {
		return nil, err
	}
	sortReminders(reminders)
	return reminders, nil
}

// searchNormalizer drops punctuation that shouldn't affect a search
var searchNormalizer = strings.NewReplacer("'", "", ".", "", "!", "", ",", "", "?", "")

func normalizeSearchText(s string) string {
	return searchNormalizer.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// Search returns up to limit of owner's active reminders whose content
// contains query, ignoring case and punctuation, soonest due first.
func (s *ReminderService) Search(
	ctx context.Context,
	owner string,
	query string,
	limit int,
) ([]Reminder, error) {
	reminders, err := s.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	query = normalizeSearchText(query)
	if limit <= 0 {
		limit = len(reminders)
	}

	matches := make([]Reminder, 0, min(limit, len(reminders)))
	for _, r := range reminders {
		if len(matches) >= limit {
			break
		}
		if query == "" || strings.Contains(normalizeSearchText(r.Content), query) {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

func sortReminders(reminders []Reminder) {
	slices.SortFunc(
		reminders, func(a, b Reminder) int {
			return cmp.Or(cmp.Compare(a.Due, b.Due), cmp.Compare(a.ID, b.ID))
		},
	)
}

// Get returns an active reminder.
func (s *ReminderService) Get(ctx context.Context, owner string, id uint) (*Reminder, error) {
	r, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner != "" && r.Owner != owner {
		return nil, ErrReminderNotFound
	}
	return r, nil
}

// EditContent replaces the content of an active reminder.
func (s *ReminderService) EditContent(
	ctx context.Context,
	owner string,
	id uint,
	content string,
) (*Reminder, error) {
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	r, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	r.Content = content
	if err = s.store.Update(ctx, r, columnReminderContent); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "edited reminder content", "reminder", r)
	return r, nil
}

// EditDue moves an active reminder's due time. The new due time can't
// be in the past.
func (s *ReminderService) EditDue(
	ctx context.Context,
	owner string,
	id uint,
	edit DueEdit,
) (*Reminder, error) {
	r, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	due, err := edit.apply(r.DueTime())
	if err != nil {
		return nil, err
	}
	if due.Before(s.now()) {
		return nil, ErrDueInPast
	}

	previous := r.DueTime()
	r.Due = due.UnixMilli()
	if err = s.store.Update(ctx, r, columnReminderDue); err != nil {
		return nil, err
	}
	s.logger.InfoContext(
		ctx,
		"edited reminder due time",
		"reminder", r,
		"previous_due", previous,
	)
	return r, nil
}

// Cancel deactivates a reminder. Cancelling a reminder that's already
// inactive returns ErrReminderNotFound.
func (s *ReminderService) Cancel(ctx context.Context, owner string, id uint) (*Reminder, error) {
	r, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	r.Active = false
	if err = s.store.Update(ctx, r, columnReminderActive); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "cancelled reminder", "reminder", r)
	return r, nil
}

// Clear cancels all of owner's active reminders, returning how many were
// cancelled.
func (s *ReminderService) Clear(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, fmt.Errorf("%w: owner is required", ErrInvalidReminder)
	}
	reminders, err := s.store.FindActive(ctx, ReminderFilter{Owner: owner})
	if err != nil {
		return 0, err
	}

	var cleared int
	var errs []error
	for i := range reminders {
		r := &reminders[i]
		r.Active = false
		switch err = s.store.Update(ctx, r, columnReminderActive); {
		case err == nil:
			cleared++
		case errors.Is(err, ErrReminderNotFound):
			// delivered or cancelled in the meantime
		default:
			s.logger.ErrorContext(ctx, "error clearing reminder", "reminder", r, tint.Err(err))
			errs = append(errs, err)
		}
	}
	s.logger.InfoContext(ctx, "cleared reminders", "owner", owner, "count", cleared)
	return cleared, errors.Join(errs...)
}
