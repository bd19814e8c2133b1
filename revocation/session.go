package revocation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldSubject    = "sub"
	fieldType       = "type"
	fieldRefreshID  = "refresh_jti"
	fieldRefreshExp = "refresh_exp"
	fieldAccessID   = "access_jti"
	fieldAccessExp  = "access_exp"
	fieldAbsExp     = "abs_exp"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReuse    int64 = 2
	rotateStatusRotated  int64 = 3
)

const (
	revokeModeAll     = "all"
	revokeModeRefresh = "refresh"
)

const blacklistLua = `
local function blacklist(prefix, jti, exp, now)
  if not jti or jti == "" then
    return
  end
  local e = tonumber(exp)
  if not e then
    return
  end
  local ttl = e - now
  if ttl > 0 then
    redis.call("SET", prefix .. jti, e, "PX", ttl)
  end
end
`

const rotateScript = blacklistLua + `
local session_key = KEYS[1]
local presented = ARGV[1]
local next_refresh = ARGV[2]
local next_refresh_exp = tonumber(ARGV[3])
local next_access = ARGV[4]
local next_access_exp = ARGV[5]
local now = tonumber(ARGV[6])
local bl_prefix = ARGV[7]

local f = redis.call("HMGET", session_key, "refresh_jti", "refresh_exp", "access_jti", "access_exp", "abs_exp", "sub")
local active = f[1]
if not active then
  return 0
end

local abs_exp = tonumber(f[5])
if abs_exp and abs_exp <= now then
  blacklist(bl_prefix, active, f[2], now)
  blacklist(bl_prefix, f[3], f[4], now)
  redis.call("DEL", session_key)
  if f[6] then
    redis.call("SREM", ARGV[8] .. f[6], ARGV[9])
  end
  return 1
end

if active ~= presented then
  blacklist(bl_prefix, active, f[2], now)
  blacklist(bl_prefix, f[3], f[4], now)
  redis.call("DEL", session_key)
  if f[6] then
    redis.call("SREM", ARGV[8] .. f[6], ARGV[9])
  end
  return 2
end

blacklist(bl_prefix, active, f[2], now)
blacklist(bl_prefix, f[3], f[4], now)
redis.call("HSET", session_key,
  "refresh_jti", next_refresh, "refresh_exp", ARGV[3],
  "access_jti", next_access, "access_exp", next_access_exp)
redis.call("PEXPIRE", session_key, next_refresh_exp - now)
return 3
`

const revokeScript = blacklistLua + `
local session_key = KEYS[1]
local mode = ARGV[1]
local now = tonumber(ARGV[2])
local bl_prefix = ARGV[3]

local f = redis.call("HMGET", session_key, "refresh_jti", "refresh_exp", "access_jti", "access_exp", "sub")
if redis.call("EXISTS", session_key) == 0 then
  return 0
end

blacklist(bl_prefix, f[1], f[2], now)
if mode == "refresh" then
  redis.call("HDEL", session_key, "refresh_jti", "refresh_exp")
  return 1
end

blacklist(bl_prefix, f[3], f[4], now)
redis.call("DEL", session_key)
if f[5] then
  redis.call("SREM", ARGV[4] .. f[5], ARGV[5])
end
return 1
`

var (
	rotateLua = redis.NewScript(rotateScript)
	revokeLua = redis.NewScript(revokeScript)
)

// Session is the server-side record of one login. It holds the single
// active refresh id and the id of the access token issued alongside it.
type Session struct {
	ID             string
	Subject        string
	Type           string
	RefreshID      string
	RefreshExpiry  time.Time
	AccessID       string
	AccessExpiry   time.Time
	AbsoluteExpiry time.Time
}

// Rotation describes a refresh exchange. The replacement tokens are already
// signed; Rotate only swaps the ids.
type Rotation struct {
	SessionID          string
	PresentedRefreshID string
	NextRefreshID      string
	NextRefreshExpiry  time.Time
	NextAccessID       string
	NextAccessExpiry   time.Time
}

// CreateSession persists a new session and indexes it under its subject.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.ID == "" || sess.Subject == "" || sess.RefreshID == "" {
		return errors.New("session id, subject and refresh id are required")
	}
	now := s.now()
	ttl := sess.RefreshExpiry.Sub(now)
	if ttl <= 0 {
		return errors.New("refresh expiry is in the past")
	}
	absolute := sess.AbsoluteExpiry
	if absolute.IsZero() {
		absolute = sess.RefreshExpiry
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	key := s.sessionKey(sess.ID)
	subjectKey := s.subjectKey(sess.Subject)
	indexTTL := absolute.Sub(now)
	current, err := s.redis.PTTL(ctx, subjectKey).Result()
	if err != nil {
		return unavailable(err)
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldSubject, sess.Subject,
			fieldType, sess.Type,
			fieldRefreshID, sess.RefreshID,
			fieldRefreshExp, sess.RefreshExpiry.UnixMilli(),
			fieldAccessID, sess.AccessID,
			fieldAccessExp, sess.AccessExpiry.UnixMilli(),
			fieldAbsExp, absolute.UnixMilli(),
		)
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, subjectKey, sess.ID)
		// The index lives as long as its longest session.
		if current < indexTTL {
			pipe.PExpire(ctx, subjectKey, indexTTL)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Session loads the record for sid.
func (s *Store) Session(ctx context.Context, sid string) (Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	fields, err := s.redis.HGetAll(ctx, s.sessionKey(sid)).Result()
	if err != nil {
		return Session{}, unavailable(err)
	}
	if len(fields) == 0 {
		return Session{}, ErrSessionNotFound
	}
	return Session{
		ID:             sid,
		Subject:        fields[fieldSubject],
		Type:           fields[fieldType],
		RefreshID:      fields[fieldRefreshID],
		RefreshExpiry:  millisToTime(fields[fieldRefreshExp]),
		AccessID:       fields[fieldAccessID],
		AccessExpiry:   millisToTime(fields[fieldAccessExp]),
		AbsoluteExpiry: millisToTime(fields[fieldAbsExp]),
	}, nil
}

// Rotate atomically swaps the active refresh id of a session. When the
// presented id matches, the old refresh id and the previous access id are
// blacklisted and the new ids recorded. When it does not match, the whole
// session is revoked and ErrReuseDetected returned. Concurrent rotations of
// the same id therefore produce exactly one success.
func (s *Store) Rotate(ctx context.Context, r Rotation) error {
	if r.SessionID == "" || r.PresentedRefreshID == "" || r.NextRefreshID == "" {
		return errors.New("session id and refresh ids are required")
	}
	now := s.now()
	if !r.NextRefreshExpiry.After(now) {
		return ErrSessionExpired
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	status, err := rotateLua.Run(ctx, s.redis, []string{s.sessionKey(r.SessionID)},
		r.PresentedRefreshID,
		r.NextRefreshID,
		r.NextRefreshExpiry.UnixMilli(),
		r.NextAccessID,
		r.NextAccessExpiry.UnixMilli(),
		now.UnixMilli(),
		s.blacklistPrefix(),
		s.prefix+":u:",
		r.SessionID,
	).Int64()
	if err != nil {
		return unavailable(err)
	}

	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusReuse:
		return ErrReuseDetected
	case rotateStatusExpired:
		return ErrSessionExpired
	default:
		return ErrSessionNotFound
	}
}

// RevokeSession blacklists the current access and refresh ids of sid and
// deletes the session. It reports whether a session existed.
func (s *Store) RevokeSession(ctx context.Context, sid string) (bool, error) {
	return s.runRevoke(ctx, sid, revokeModeAll)
}

func (s *Store) runRevoke(ctx context.Context, sid, mode string) (bool, error) {
	if sid == "" {
		return false, errors.New("sid is required")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	existed, err := revokeLua.Run(ctx, s.redis, []string{s.sessionKey(sid)},
		mode,
		s.now().UnixMilli(),
		s.blacklistPrefix(),
		s.prefix+":u:",
		sid,
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return existed == 1, nil
}

// SessionIDs lists the sessions indexed under subject. Entries for sessions
// that already expired may still be listed.
func (s *Store) SessionIDs(ctx context.Context, subject string) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ids, err := s.redis.SMembers(ctx, s.subjectKey(subject)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, unavailable(err)
	}
	return ids, nil
}

// RevokeAllForSubject revokes every indexed session of subject and returns
// how many existed. A session created concurrently with this call may
// survive it.
func (s *Store) RevokeAllForSubject(ctx context.Context, subject string) (int, error) {
	ids, err := s.SessionIDs(ctx, subject)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, sid := range ids {
		existed, err := s.RevokeSession(ctx, sid)
		if err != nil {
			return revoked, err
		}
		if existed {
			revoked++
		}
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.redis.Del(ctx, s.subjectKey(subject)).Err(); err != nil {
		return revoked, unavailable(err)
	}
	return revoked, nil
}

// Ping round-trips to the backend and reports the latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), unavailable(err)
	}
	return time.Since(start), nil
}

func millisToTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
