// Package schedule provides schedules for recurring jobs.
//
// This package includes:
//   - Schedule interface for defining job schedules
//   - Every() for fixed-interval schedules
//   - Daily() and Weekly() for wall-clock schedules in UTC
//   - Cron() and ParseCron() for cron expression-based schedules
//   - Parse() for configuration strings
package schedule
