package lifecycle

import (
	"fmt"

	"github.com/postloom/postloom/backend/internal/models"
)

// IllegalTransitionError is returned when an event is not applicable to the
// post's current status. The post must be left unchanged by the caller.
type IllegalTransitionError struct {
	From  models.PostStatus
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: event %q not allowed from status %q", e.Event, e.From)
}

// NotAuthorizedError is returned when the transition exists but the acting
// role is not permitted to trigger it.
type NotAuthorizedError struct {
	Role  models.Role
	Event Event
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("not authorized: role %q may not trigger event %q", e.Role, e.Event)
}
