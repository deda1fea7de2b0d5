package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roastfabric/kernel/pkg/mission"
)

// OrphanStore is the narrow Mission Store surface CleanupStartupOrphans
// needs: list a pod's currently-RUNNING missions and fail them.
type OrphanStore interface {
	ListRunningByClaimedBy(ctx context.Context, claimedBy string) ([]*mission.Mission, error)
	Fail(ctx context.Context, missionID, leaseID, errMsg string, retryable bool) (mission.HeartbeatOutcome, error)
}

// CleanupStartupOrphans force-fails every RUNNING mission this pod
// claimed before a prior crash, as retryable, so reclamation does not
// have to wait out the full lease TTL.
func CleanupStartupOrphans(ctx context.Context, store OrphanStore, podID string) (int, error) {
	orphans, err := store.ListRunningByClaimedBy(ctx, podID)
	if err != nil {
		return 0, fmt.Errorf("listing startup orphans for %s: %w", podID, err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	slog.Warn("found startup orphans from previous run", "pod_id", podID, "count", len(orphans))

	recovered := 0
	for _, m := range orphans {
		leaseID := ""
		if m.LeaseID != nil {
			leaseID = *m.LeaseID
		}
		errMsg := fmt.Sprintf("orphaned: pod %s restarted while mission was running", podID)
		if _, err := store.Fail(ctx, m.MissionID, leaseID, errMsg, true); err != nil {
			slog.Error("failed to recover startup orphan", "mission_id", m.MissionID, "error", err)
			continue
		}
		recovered++
		slog.Info("startup orphan recovered", "mission_id", m.MissionID)
	}
	return recovered, nil
}
