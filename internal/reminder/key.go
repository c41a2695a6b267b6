package reminder

import (
	"fmt"
	"strconv"

	"remindme/internal/store"
)

// JobKey names the timer slot for a schedule: one slot per
// (medicine, time, day) triple. Re-registering the same key replaces the
// armed timer, which is what makes schedule edits idempotent.
func JobKey(medicineID int64, tod store.TimeOfDay, dayOfWeek int) string {
	day := "daily"
	if dayOfWeek != store.DayDaily {
		day = strconv.Itoa(dayOfWeek)
	}
	return fmt.Sprintf("%d_%s_%s", medicineID, tod.String(), day)
}
