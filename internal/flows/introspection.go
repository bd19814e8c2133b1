package flows

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MrEthical07/authcore/revocation"
)

type IntrospectionStore interface {
	SessionIDs(ctx context.Context, subject string) ([]string, error)
	Session(ctx context.Context, sid string) (revocation.Session, error)
	Ping(ctx context.Context) (time.Duration, error)
}

type IntrospectionDeps struct {
	Sessions IntrospectionStore
	Now      func() time.Time
}

// RunListActiveSessions returns the live sessions of subject ordered by
// refresh expiry. Index entries whose record already expired are skipped.
func RunListActiveSessions(ctx context.Context, subject string, deps IntrospectionDeps) ([]revocation.Session, error) {
	ids, err := deps.Sessions.SessionIDs(ctx, subject)
	if err != nil {
		return nil, err
	}

	now := deps.Now()
	out := make([]revocation.Session, 0, len(ids))
	for _, sid := range ids {
		sess, err := deps.Sessions.Session(ctx, sid)
		if err != nil {
			if errors.Is(err, revocation.ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		if sess.Subject != subject || !now.Before(sess.RefreshExpiry) {
			continue
		}
		out = append(out, sess)
	}
	slices.SortFunc(out, func(a, b revocation.Session) int {
		if c := a.RefreshExpiry.Compare(b.RefreshExpiry); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func RunGetSession(ctx context.Context, sid string, deps IntrospectionDeps) (revocation.Session, error) {
	sess, err := deps.Sessions.Session(ctx, sid)
	if err != nil {
		return revocation.Session{}, err
	}
	if !deps.Now().Before(sess.RefreshExpiry) {
		return revocation.Session{}, revocation.ErrSessionNotFound
	}
	return sess, nil
}

func RunHealth(ctx context.Context, deps IntrospectionDeps) (bool, time.Duration) {
	latency, err := deps.Sessions.Ping(ctx)
	return err == nil, latency
}
