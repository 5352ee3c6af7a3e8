package reminder

import (
	"time"

	"github.com/psantana5/cf-reminder/pkg/models"
)

// Plan returns every reminder still worth scheduling at now.
// Contests that already started are ignored, as are intervals whose time has passed.
func Plan(contests []models.Contest, now time.Time, intervals []models.ReminderInterval) []models.Reminder {
	var out []models.Reminder
	for _, c := range contests {
		if !c.StartsAfter(now) {
			continue
		}
		for _, iv := range intervals {
			r := models.NewReminder(c, iv)
			if r.RunAt.After(now) {
				out = append(out, r)
			}
		}
	}
	return out
}
