// Package sonibot implements a Discord bot centered on durable reminders.
//
// Users create reminders with a slash command, either relative to now
// ("in 2 hours 30 minutes") or at an absolute UTC date. Reminders are
// persisted, and a background poller periodically looks for active
// reminders whose due time has passed, posts them to the channel they were
// created in, and marks them inactive so they are never delivered twice.
//
// Key components of the package include:
//
//   - Bot: The main struct, which owns the lifecycle of everything below.
//   - ReminderStore: Persistence for reminders (SQLite or PostgreSQL, via gorm).
//   - ReminderService: Validation and the create/list/edit/cancel operations.
//   - ReminderPoller: The background scan-and-deliver loop.
//   - Notifier: Delivery of a due reminder, implemented on the Discord REST API.
//   - API: A backend API for inspecting reminders and controlling the poller.
//
// The bot supports these commands:
//
//   - /reminder create relative|absolute: Schedules a new reminder.
//   - /reminder list: Lists your active reminders, soonest first.
//   - /reminder edit time|content: Changes an active reminder.
//   - /reminder delete: Cancels a reminder.
//   - /reminder clear: Cancels all of your reminders.
//   - /reactionrole create|remove: Grants a role when members react to a message.
//
// Reminders are never physically deleted. Cancelling or delivering a
// reminder flips its active flag, and an inactive reminder can't be
// edited or reactivated.
package sonibot
