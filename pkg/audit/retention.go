package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionDays is how long entries are kept when unconfigured.
const DefaultRetentionDays = 365

// ScheduleCleanup registers the retention sweep on the given cron. The
// sweep deletes entries older than retentionDays; the schedule is a
// standard cron expression (e.g. "0 3 * * *" for 03:00 daily).
func (r *Recorder) ScheduleCleanup(c *cron.Cron, schedule string, retentionDays int) (cron.EntryID, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	id, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		removed, err := r.Cleanup(ctx, retentionDays)
		if err != nil {
			r.logger.WithError(err).Error("audit retention cleanup failed")
			return
		}
		r.logger.WithField("removed", removed).Info("audit retention cleanup finished")
	})
	if err != nil {
		return 0, fmt.Errorf("failed to schedule audit cleanup: %w", err)
	}
	return id, nil
}
