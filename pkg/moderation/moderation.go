package moderation

import (
	"msgsync/pkg/models"
)

// This package computes moderation state; it holds no mutable state of its
// own. Approve/reject are backend calls whose results come back through the
// normal ingest path.

// RoleSet answers membership questions for configured role lists.
type RoleSet map[string]struct{}

func NewRoleSet(roles []string) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		rs[r] = struct{}{}
	}
	return rs
}

func (rs RoleSet) Contains(role string) bool {
	_, ok := rs[role]
	return ok
}

// Actionable reports whether target can still be approved, rejected or
// edited. A pending message stays actionable only until the conversation
// moves on: once any later message authored by a different role exists in
// the thread, the stale pending message is left alone. Same-role follow-ups
// do not close the window.
func Actionable(msgs []models.Message, target models.Message) bool {
	if target.Approval != models.ApprovalPending {
		return false
	}
	if !target.Confirmed() {
		return false
	}
	for i := range msgs {
		m := &msgs[i]
		if m.ID == target.ID {
			continue
		}
		if m.TS > target.TS && m.Sender.Role != target.Sender.Role {
			return false
		}
	}
	return true
}

// Annotated is one message with its computed moderation affordances, the
// projection the moderation UI renders from.
type Annotated struct {
	models.Message
	Actionable bool `json:"actionable"`
}

// Project annotates a thread snapshot for the given actor. Only moderators
// see actionable flags, and never on their own messages.
func Project(msgs []models.Message, actorID, actorRole string, moderators RoleSet) []Annotated {
	out := make([]Annotated, len(msgs))
	isMod := moderators.Contains(actorRole)
	for i := range msgs {
		out[i] = Annotated{Message: msgs[i]}
		if !isMod || msgs[i].AuthorID() == actorID {
			continue
		}
		out[i].Actionable = Actionable(msgs, msgs[i])
	}
	return out
}

// InitialApproval assigns the approval status a freshly composed message
// starts in: moderator-authored (or otherwise auto-approved) roles skip the
// pending state.
func InitialApproval(role string, autoApprove RoleSet) models.ApprovalStatus {
	if autoApprove.Contains(role) {
		return models.ApprovalApproved
	}
	return models.ApprovalPending
}
