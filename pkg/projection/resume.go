package projection

import (
	"sort"
	"time"

	"github.com/workflowd/engine/pkg/eventlog"
)

// Anchors are the workspace anchors observed at session start (spec §6.4).
type Anchors struct {
	GitHeadSHA   string
	GitBranch    string
	RepoRootHash string
}

// anchorsFromEvents extracts the most recent observation_recorded anchors
// in a session's event prefix; later observations supersede earlier ones,
// mirroring the node-output supersession rule.
func anchorsFromEvents(events []eventlog.Event) Anchors {
	var a Anchors
	for _, e := range events {
		if e.Kind != eventlog.KindObservationRecorded {
			continue
		}
		if v := stringField(e.Data, "git_head_sha"); v != "" {
			a.GitHeadSHA = v
		}
		if v := stringField(e.Data, "git_branch"); v != "" {
			a.GitBranch = v
		}
		if v := stringField(e.Data, "repo_root_hash"); v != "" {
			a.RepoRootHash = v
		}
	}
	return a
}

// SessionSummary is one session's resume-ranking inputs, assembled by the
// caller (who has filesystem and health access) before ranking.
type SessionSummary struct {
	SessionID    string
	Events       []eventlog.Event
	Health       Health
	LastModified time.Time
}

// ResumeCandidate is a ranked, healthy session eligible for resume.
type ResumeCandidate struct {
	SessionID    string
	Anchors      Anchors
	LastModified time.Time
}

// tier scores how well a candidate's anchors match the requested
// workspace, per the spec's git_head_sha > branch > repo_root_hash >
// recency ranking.
func tier(a Anchors, want Anchors) int {
	if want.GitHeadSHA != "" && a.GitHeadSHA == want.GitHeadSHA {
		return 3
	}
	if want.GitBranch != "" && a.GitBranch == want.GitBranch {
		return 2
	}
	if want.RepoRootHash != "" && a.RepoRootHash == want.RepoRootHash {
		return 1
	}
	return 0
}

// RankResumeCandidates filters to healthy sessions and orders them by
// anchor match tier, then by recency within a tier.
func RankResumeCandidates(summaries []SessionSummary, want Anchors) []ResumeCandidate {
	candidates := make([]ResumeCandidate, 0, len(summaries))
	for _, s := range summaries {
		if !s.Health.IsHealthy() {
			continue
		}
		candidates = append(candidates, ResumeCandidate{
			SessionID:    s.SessionID,
			Anchors:      anchorsFromEvents(s.Events),
			LastModified: s.LastModified,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := tier(candidates[i].Anchors, want), tier(candidates[j].Anchors, want)
		if ti != tj {
			return ti > tj
		}
		return candidates[i].LastModified.After(candidates[j].LastModified)
	})

	return candidates
}
