package content

import (
	"fmt"
	"slices"

	"github.com/GoCodeAlone/dashboard/store"
)

// Action is a user-initiated status change.
type Action string

const (
	ActionSubmit         Action = "submit"
	ActionRequestChanges Action = "request_changes"
	ActionApprove        Action = "approve"
	ActionSchedule       Action = "schedule"
	ActionUnschedule     Action = "unschedule"
	ActionRetry          Action = "retry"
	ActionArchive        Action = "archive"
	ActionRestore        Action = "restore"
)

type rule struct {
	from []store.PostStatus
	to   store.PostStatus
	role store.Role
}

var rules = map[Action]rule{
	ActionSubmit:         {from: []store.PostStatus{store.PostDraft}, to: store.PostInReview, role: store.RoleEditor},
	ActionRequestChanges: {from: []store.PostStatus{store.PostInReview}, to: store.PostDraft, role: store.RoleAdmin},
	ActionApprove:        {from: []store.PostStatus{store.PostInReview}, to: store.PostApproved, role: store.RoleAdmin},
	ActionSchedule:       {from: []store.PostStatus{store.PostApproved}, to: store.PostScheduled, role: store.RoleEditor},
	ActionUnschedule:     {from: []store.PostStatus{store.PostScheduled}, to: store.PostApproved, role: store.RoleEditor},
	ActionRetry:          {from: []store.PostStatus{store.PostFailed}, to: store.PostScheduled, role: store.RoleEditor},
	ActionArchive: {
		from: []store.PostStatus{store.PostDraft, store.PostInReview, store.PostApproved, store.PostFailed, store.PostPublished},
		to:   store.PostArchived, role: store.RoleEditor,
	},
	ActionRestore: {from: []store.PostStatus{store.PostArchived}, to: store.PostDraft, role: store.RoleEditor},
}

// dispatcherEdges are only taken by the Dispatcher.
var dispatcherEdges = map[store.PostStatus][]store.PostStatus{
	store.PostScheduled:  {store.PostPublishing},
	store.PostPublishing: {store.PostPublished, store.PostFailed},
}

// Next returns the status reached by applying a to a post in from, and the
// minimum role allowed to do it.
func Next(from store.PostStatus, a Action) (store.PostStatus, store.Role, error) {
	r, ok := rules[a]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, a)
	}
	if !slices.Contains(r.from, from) {
		return "", "", fmt.Errorf("%w: cannot %s a %s post", ErrInvalidTransition, a, from)
	}
	return r.to, r.role, nil
}

// CanTransition reports whether the workflow has an edge from -> to, taken
// either by a user action or by the dispatcher.
func CanTransition(from, to store.PostStatus) bool {
	if slices.Contains(dispatcherEdges[from], to) {
		return true
	}
	for _, r := range rules {
		if r.to == to && slices.Contains(r.from, from) {
			return true
		}
	}
	return false
}

// Actions lists the actions available on a post in status s for role.
func Actions(s store.PostStatus, role store.Role) []Action {
	var out []Action
	for a, r := range rules {
		if slices.Contains(r.from, s) && role.AtLeast(r.role) {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return out
}

// editable reports whether the post's content may still change.
func editable(s store.PostStatus) bool {
	switch s {
	case store.PostDraft, store.PostInReview, store.PostApproved, store.PostFailed:
		return true
	}
	return false
}
