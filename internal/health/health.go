// Package health computes heartbeat liveness for in-flight tasks. It is a
// pure read-side computation: deciding what to do with a stalled task is the
// caller's policy.
package health

import (
	"time"

	"github.com/kestrel/warden/internal/persistence"
)

// Liveness is the heartbeat snapshot of a running task.
type Liveness struct {
	ElapsedSeconds int64 `json:"elapsed_seconds"`
	SinceHeartbeat int64 `json:"since_heartbeat"`
	IsStalled      bool  `json:"is_stalled"`
	TimeoutSeconds int   `json:"timeout_seconds"`
}

// Compute derives liveness from the task's timestamps. The heartbeat clock
// starts at the later of startedAt and lastHeartbeat, so a task that has
// never beaten is measured from its run start. A task not yet started is
// never stalled.
func Compute(task *persistence.Task, now time.Time) Liveness {
	lv := Liveness{TimeoutSeconds: task.TimeoutSeconds}
	if task.StartedAt == nil {
		return lv
	}
	lv.ElapsedSeconds = int64(now.Sub(*task.StartedAt).Seconds())

	last := *task.StartedAt
	if task.LastHeartbeat != nil && task.LastHeartbeat.After(last) {
		last = *task.LastHeartbeat
	}
	lv.SinceHeartbeat = int64(now.Sub(last).Seconds())
	lv.IsStalled = lv.SinceHeartbeat > int64(task.TimeoutSeconds)
	return lv
}

// EffectiveStatus reports the read-side status: "stalled" for a running task
// past its heartbeat timeout, the stored status otherwise.
func EffectiveStatus(task *persistence.Task, now time.Time) persistence.Status {
	if task.Status == persistence.StatusRunning && Compute(task, now).IsStalled {
		return persistence.StatusStalled
	}
	return task.Status
}
