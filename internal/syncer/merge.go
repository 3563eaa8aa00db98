package syncer

import (
	"sort"
	"time"

	"github.com/trackletapp/tracklet/internal/session"
)

// MergeStats summarizes one pull merge.
type MergeStats struct {
	Adopted    int
	KeptLocal  int
	Conflicted int
	Removed    int
}

// merge reconciles the local session list with a remote snapshot using
// last-write-wins keyed by the client update timestamp.
//
// Rules, per record:
//   - remote record with no local match: adopted verbatim and marked synced,
//     unless it is a remote tombstone or its id was recently purged here.
//   - both sides present: strictly newer local wins and is re-marked pending;
//     remote newer-or-equal wins and is marked synced; a side missing its
//     timestamp loses to one that has it; neither timestamped keeps local,
//     flagged conflicted (ambiguous, never guessed).
//   - local record absent remotely: kept as-is if previously synced (remote
//     lag is assumed, never deleted locally), re-marked pending if it never
//     reached the remote.
func merge(local, remote []session.Session, recentlyPurged func(id string) bool, now time.Time) ([]session.Session, MergeStats) {
	var stats MergeStats

	matched := make(map[int]bool, len(remote))
	result := make([]session.Session, 0, len(local)+len(remote))

	for _, l := range local {
		ri := matchRemote(l, remote)
		if ri < 0 {
			result = append(result, reconcileUnmatchedLocal(l, &stats))
			continue
		}
		matched[ri] = true

		merged, keep := reconcilePair(l, remote[ri], now, &stats)
		if keep {
			result = append(result, merged)
		}
	}

	for i, r := range remote {
		if matched[i] || r.Deleted || recentlyPurged(r.ID) {
			continue
		}
		adopted := r
		adopted.SyncStatus = session.SyncSynced
		if adopted.SyncedAt == nil {
			stamped := now
			adopted.SyncedAt = &stamped
		}
		result = append(result, adopted)
		stats.Adopted++
	}

	result = enforceSingleActive(result, now)

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartTime.After(result[j].StartTime)
	})

	return result, stats
}

func matchRemote(l session.Session, remote []session.Session) int {
	for i, r := range remote {
		if l.MatchesRemote(r) {
			return i
		}
	}
	return -1
}

func reconcileUnmatchedLocal(l session.Session, stats *MergeStats) session.Session {
	if l.SyncStatus == session.SyncSynced || l.SyncStatus == session.SyncConflicted {
		// Absent from a bounded remote page or lagging deletion; never
		// delete locally on absence alone.
		return l
	}
	l.SyncStatus = session.SyncPending
	stats.KeptLocal++
	return l
}

func reconcilePair(l, r session.Session, now time.Time, stats *MergeStats) (session.Session, bool) {
	if r.Deleted {
		// Deletion propagated from another device wins outright.
		stats.Removed++
		return session.Session{}, false
	}

	switch {
	case l.UpdatedAt == nil && r.UpdatedAt == nil:
		// Ambiguous: no basis to choose. Keep local, flag it.
		l.SyncStatus = session.SyncConflicted
		stats.Conflicted++
		return l, true

	case r.UpdatedAt == nil, l.UpdatedAt != nil && l.UpdatedAt.After(*r.UpdatedAt):
		// Local wins; it will be pushed next cycle.
		l.SyncStatus = session.SyncPending
		if l.RemoteID == "" {
			l.RemoteID = r.RemoteID
		}
		stats.KeptLocal++
		return l, true

	default:
		// Remote is newer or equal, or local lacks a timestamp.
		adopted := r
		adopted.SyncStatus = session.SyncSynced
		adopted.SyncRetryCount = 0
		adopted.LastSyncAttempt = nil
		if adopted.SyncedAt == nil {
			stamped := now
			adopted.SyncedAt = &stamped
		}
		stats.Adopted++
		return adopted, true
	}
}

// enforceSingleActive keeps at most one session active after a merge. Two
// devices can each have started a session while offline; the most recently
// started one stays running and the others are stopped with their running
// interval credited.
func enforceSingleActive(list []session.Session, now time.Time) []session.Session {
	keep := -1
	for i, s := range list {
		if !s.Active || s.Deleted {
			continue
		}
		if keep < 0 || s.StartTime.After(list[keep].StartTime) {
			keep = i
		}
	}
	if keep < 0 {
		return list
	}

	for i, s := range list {
		if i == keep || !s.Active || s.Deleted {
			continue
		}
		if running := now.Sub(s.StartTime); running > 0 {
			s.Elapsed += running
		}
		end := now
		s.EndTime = &end
		s.Active = false
		s.SyncStatus = session.SyncPending
		updated := now
		s.UpdatedAt = &updated
		list[i] = s
	}
	return list
}
