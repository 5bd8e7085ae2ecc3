package session

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"tether/cmd/internal/auth/cache"
	"tether/cmd/internal/metrics"
)

// AdminGroupType marks a membership that grants administrator privileges.
const AdminGroupType = "admin"

// sessionView is what the resolver needs from the manager.
type sessionView interface {
	tokenFor(subjectID string) string
	currentEpoch() uint64
	commitIf(epoch uint64, fn func()) bool
}

// RoleResolver derives the admin flag of a subject from its group memberships.
//
// It fails closed: any error resolves to false and nothing is cached.
type RoleResolver struct {
	cache   *cache.Cache[bool]
	src     MembershipFetcher
	log     *slog.Logger
	metrics *metrics.Metrics
	view    sessionView

	flights singleflight.Group
}

func newRoleResolver(c *cache.Cache[bool], src MembershipFetcher, log *slog.Logger, m *metrics.Metrics, view sessionView) *RoleResolver {
	return &RoleResolver{cache: c, src: src, log: log, metrics: m, view: view}
}

// Resolve reports whether subjectID is an administrator. An empty subject, a subject
// that is not signed in or a failed fetch all resolve to false.
func (r *RoleResolver) Resolve(ctx context.Context, subjectID string) bool {
	if subjectID == "" || r.src == nil {
		return false
	}
	if e, ok := r.cache.Get(subjectID); ok {
		return e.Value
	}

	token := r.view.tokenFor(subjectID)
	if token == "" {
		return false
	}
	epoch := r.view.currentEpoch()

	v, err, _ := r.flights.Do("role:"+subjectID, func() (any, error) {
		if e, ok := r.cache.Get(subjectID); ok {
			return e.Value, nil
		}

		ms, err := r.src.FetchMemberships(ctx, subjectID, token)
		if err != nil {
			r.metrics.RecordRoleFetch(fetchResultLabel(err))
			return false, err
		}
		r.metrics.RecordRoleFetch("ok")

		admin := false
		for _, m := range ms {
			if m.Type == AdminGroupType {
				admin = true
				break
			}
		}
		r.view.commitIf(epoch, func() { r.cache.Put(subjectID, admin) })
		return admin, nil
	})
	if err != nil {
		r.log.Warn("session.roles.fail", "subject", subjectID, "err", err)
		return false
	}
	return v.(bool)
}

// Invalidate drops the cached flag for subjectID, e.g. after a membership change.
func (r *RoleResolver) Invalidate(subjectID string) {
	r.cache.Invalidate(subjectID)
}
