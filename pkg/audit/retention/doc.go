// Package retention prunes the audit trail by age and by size, either on
// demand or on a cron schedule.
package retention
