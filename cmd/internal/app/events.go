package app

import (
	"context"

	v1 "tether/contracts/realtime/v1"
)

// Server push topics the runtime reacts to.
const (
	topicSessionRevoked = "session.revoked"
	topicProfileUpdated = "profile.updated"
	topicGroupsUpdated  = "groups.updated"
)

func (a *App) consumeEvents(ctx context.Context, events <-chan v1.EventPayload) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, ev v1.EventPayload) {
	subject := a.mgr.Snapshot().SubjectID()
	a.log.Debug("realtime.event", "topic", ev.Topic, "subject", subject)

	switch ev.Topic {
	case topicSessionRevoked:
		a.revalidate(ctx, "revoked")
	case topicProfileUpdated:
		if subject == "" {
			return
		}
		a.mgr.InvalidateProfile(subject)
		a.revalidate(ctx, "profile_updated")
	case topicGroupsUpdated:
		if subject != "" {
			a.mgr.Roles().Invalidate(subject)
		}
	}
}
