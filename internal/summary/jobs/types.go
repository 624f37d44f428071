package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobPrefix marks cron entries owned by group schedules.
const JobPrefix = "summary_group_"

// JobInfo describes one registered job.
type JobInfo struct {
	ID         string    `json:"id"`
	GroupID    int64     `json:"group_id,omitempty"`
	Spec       string    `json:"spec"`
	LeastCount int       `json:"least_count,omitempty"`
	Style      string    `json:"style,omitempty"`
	Next       time.Time `json:"next,omitzero"`
	Prev       time.Time `json:"prev,omitzero"`
}

// ReconcileResult reports one Reconcile pass.
type ReconcileResult struct {
	Registered int               `json:"registered"`
	Failed     map[string]string `json:"failed,omitempty"`
	Pruned     []string          `json:"pruned,omitempty"`
	Orphans    []string          `json:"orphans,omitempty"`
}

func JobID(gid int64) string { return JobPrefix + strconv.FormatInt(gid, 10) }

// ParseJobID extracts the group id from a group job id.
func ParseJobID(id string) (int64, bool) {
	rest, ok := strings.CutPrefix(id, JobPrefix)
	if !ok {
		return 0, false
	}
	gid, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return gid, true
}

// TriggerSecond spreads groups sharing an HH:MM over the minute. Negative
// ids use the magnitude of their remainder, so math.MinInt64 is safe too.
func TriggerSecond(gid int64) int {
	sec := int(gid % 60)
	if sec < 0 {
		sec = -sec
	}
	return sec
}

// TriggerSpec is the six-field cron spec firing daily at hour:minute:TriggerSecond(gid).
func TriggerSpec(gid int64, hour, minute int) string {
	return fmt.Sprintf("%d %d %d * * *", TriggerSecond(gid), minute, hour)
}
