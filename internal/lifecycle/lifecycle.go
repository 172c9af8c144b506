// Package lifecycle holds the post status state machine. It is pure logic:
// callers supply the current status, the event and the acting role, and get
// back the target status plus the side effects they must perform. Storage and
// transport never leak in here.
package lifecycle

import "github.com/postloom/postloom/backend/internal/models"

// Event is a named transition trigger.
type Event string

const (
	EventSubmitForApproval Event = "submit_for_approval"
	EventApprove           Event = "approve"
	EventRequestChanges    Event = "request_changes"
	EventReschedule        Event = "reschedule"

	// Engine-driven events. The dispatcher consults the table before every
	// finalizing write; the generation-conditional updates enforce the same
	// transitions again at write time.
	EventDispatchSucceeded Event = "dispatch_succeeded"
	EventDispatchRetry     Event = "dispatch_retry"
	EventDispatchFailed    Event = "dispatch_failed"

	// Non-transition operations, named here so their rejections carry a
	// meaningful event. Edits and deletes are gated by CanEditContent and
	// CanDelete rather than the transition table.
	EventEditContent Event = "edit_content"
	EventDelete      Event = "delete"
)

// RoleEngine marks transitions the dispatch engine performs on its own
// authority. It is never a workspace membership role.
const RoleEngine models.Role = "engine"

// Input describes an attempted transition.
type Input struct {
	Status models.PostStatus
	Event  Event
	Role   models.Role
	// HasDueTime reports whether the post has (or is being given) a due time.
	// It decides whether an approval lands in approved or scheduled.
	HasDueTime bool
}

// Outcome is the result of a legal transition: the target status and the side
// effects the caller must apply atomically with the status write.
type Outcome struct {
	To models.PostStatus
	// RegisterDispatch: register (or supersede) the post's dispatch request.
	RegisterDispatch bool
	// CancelDispatch: remove any pending dispatch request.
	CancelDispatch bool
	// StoreFeedback: persist the reviewer's feedback text on the post.
	StoreFeedback bool
}

type rule struct {
	from   map[models.PostStatus]bool
	roles  map[models.Role]bool
	decide func(in Input) Outcome
}

func statuses(ss ...models.PostStatus) map[models.PostStatus]bool {
	m := make(map[models.PostStatus]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func roles(rs ...models.Role) map[models.Role]bool {
	m := make(map[models.Role]bool, len(rs))
	for _, r := range rs {
		m[r] = true
	}
	return m
}

var rules = map[Event]rule{
	EventSubmitForApproval: {
		from:  statuses(models.StatusDraft, models.StatusNeedsRevision),
		roles: roles(models.RoleAuthor, models.RoleManager),
		decide: func(Input) Outcome {
			return Outcome{To: models.StatusPendingApproval}
		},
	},
	EventApprove: {
		from:  statuses(models.StatusPendingApproval),
		roles: roles(models.RoleClient, models.RoleManager),
		decide: func(in Input) Outcome {
			if in.HasDueTime {
				return Outcome{To: models.StatusScheduled, RegisterDispatch: true}
			}
			return Outcome{To: models.StatusApproved}
		},
	},
	EventRequestChanges: {
		from:  statuses(models.StatusPendingApproval),
		roles: roles(models.RoleClient, models.RoleManager),
		decide: func(Input) Outcome {
			return Outcome{To: models.StatusNeedsRevision, StoreFeedback: true}
		},
	},
	EventReschedule: {
		from:  statuses(models.StatusApproved, models.StatusScheduled, models.StatusDraft),
		roles: roles(models.RoleManager, models.RoleAuthor),
		decide: func(Input) Outcome {
			return Outcome{To: models.StatusScheduled, RegisterDispatch: true}
		},
	},
	EventDispatchSucceeded: {
		from:  statuses(models.StatusScheduled),
		roles: roles(RoleEngine),
		decide: func(Input) Outcome {
			return Outcome{To: models.StatusPosted, CancelDispatch: true}
		},
	},
	EventDispatchRetry: {
		from:  statuses(models.StatusScheduled),
		roles: roles(RoleEngine),
		decide: func(Input) Outcome {
			return Outcome{To: models.StatusScheduled, RegisterDispatch: true}
		},
	},
	EventDispatchFailed: {
		from:  statuses(models.StatusScheduled),
		roles: roles(RoleEngine),
		decide: func(Input) Outcome {
			return Outcome{To: models.StatusError, CancelDispatch: true}
		},
	},
}

// Apply validates the transition and returns its outcome. A state/event pair
// not in the table fails with IllegalTransitionError; a listed pair attempted
// with a disallowed role fails with NotAuthorizedError. Callers must not apply
// any change on error.
func Apply(in Input) (Outcome, error) {
	r, ok := rules[in.Event]
	if !ok || !r.from[in.Status] {
		return Outcome{}, &IllegalTransitionError{From: in.Status, Event: in.Event}
	}
	if !r.roles[in.Role] {
		return Outcome{}, &NotAuthorizedError{Role: in.Role, Event: in.Event}
	}
	return r.decide(in), nil
}

// CanEditContent reports whether content/media edits are permitted. Posted is
// the only status that locks a post.
func CanEditContent(s models.PostStatus) bool {
	return s != models.StatusPosted
}

// StatusAfterEdit returns the status a post lands in after a content edit.
// Editing an errored post routes it back to draft so the author can rework it;
// every other status is unchanged by a content edit.
func StatusAfterEdit(s models.PostStatus) models.PostStatus {
	if s == models.StatusError {
		return models.StatusDraft
	}
	return s
}

// CanDelete reports whether a post may be deleted: only from a non-terminal,
// non-in-flight state. The engine additionally refuses deletion while a
// dispatch attempt is claimed.
func CanDelete(s models.PostStatus) bool {
	return s == models.StatusDraft || s == models.StatusScheduled
}
