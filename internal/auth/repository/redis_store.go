package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	statusOK        int64 = 1
	statusConflict  int64 = 0
	statusNotFound  int64 = -1
	statusUsed      int64 = -2
	statusRevoked   int64 = -3
	statusDuplicate int64 = -4
)

const createSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local fields = {}
for i = 2, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call("HSET", KEYS[1], unpack(fields))
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`

const updateSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {}
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return redis.call("HGETALL", KEYS[1])
`

const createTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
local fields = {}
for i = 3, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call("HSET", KEYS[1], unpack(fields))
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
return 1
`

const rotateTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local state = redis.call("HMGET", KEYS[1], "used_at", "revoked_at")
if state[1] ~= "" then
  return -2
end
if state[2] ~= "" then
  return -3
end
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return -4
end
redis.call("HSET", KEYS[1], "used_at", ARGV[1])
local fields = {}
for i = 5, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call("HSET", KEYS[2], unpack(fields))
redis.call("SET", KEYS[3], ARGV[2])
redis.call("SADD", KEYS[4], ARGV[2])
redis.call("ZADD", KEYS[5], ARGV[4], ARGV[2])
if redis.call("EXISTS", KEYS[6]) == 1 then
  redis.call("HSET", KEYS[6], "current_refresh_token_id", ARGV[3], "updated_at", ARGV[1])
end
return 1
`

const revokeTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local state = redis.call("HMGET", KEYS[1], "used_at", "revoked_at")
if state[1] ~= "" or state[2] ~= "" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1], "revoked_reason", ARGV[2])
return 1
`

const revokeFamilyScript = `
local revoked = 0
for _, jti in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local key = ARGV[3] .. jti
  local state = redis.call("HMGET", key, "used_at", "revoked_at")
  if state[1] == "" and state[2] == "" then
    redis.call("HSET", key, "revoked_at", ARGV[1], "revoked_reason", ARGV[2])
    revoked = revoked + 1
  end
end
return revoked
`

const deleteExpiredScript = `
local deleted = 0
for _, jti in ipairs(redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])) do
  local key = ARGV[2] .. "rt:" .. jti
  local refs = redis.call("HMGET", key, "id", "family_id")
  if refs[1] then
    redis.call("DEL", ARGV[2] .. "rtid:" .. refs[1])
  end
  if refs[2] then
    redis.call("SREM", ARGV[2] .. "fam:" .. refs[2], jti)
  end
  deleted = deleted + redis.call("DEL", key)
  redis.call("ZREM", KEYS[1], jti)
end
return deleted
`

var (
	createSessionLua = redis.NewScript(createSessionScript)
	updateSessionLua = redis.NewScript(updateSessionScript)
	createTokenLua   = redis.NewScript(createTokenScript)
	rotateTokenLua   = redis.NewScript(rotateTokenScript)
	revokeTokenLua   = redis.NewScript(revokeTokenScript)
	revokeFamilyLua  = redis.NewScript(revokeFamilyScript)
	deleteExpiredLua = redis.NewScript(deleteExpiredScript)
)

// RedisTokenStore keeps each record in a hash and maintains index sets per
// family and per user. Every mutation is a single Lua script, so Redis
// executes it atomically.
type RedisTokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = "auth:"
	}
	return &RedisTokenStore{redis: client, prefix: prefix}
}

func (s *RedisTokenStore) tokenKey(jti string) string        { return s.prefix + "rt:" + jti }
func (s *RedisTokenStore) tokenIDKey(id string) string       { return s.prefix + "rtid:" + id }
func (s *RedisTokenStore) familyKey(familyID string) string  { return s.prefix + "fam:" + familyID }
func (s *RedisTokenStore) sessionKey(id string) string       { return s.prefix + "sess:" + id }
func (s *RedisTokenStore) userSessionsKey(uid string) string { return s.prefix + "usess:" + uid }
func (s *RedisTokenStore) expiryKey() string                 { return s.prefix + "rt:expiry" }

func (s *RedisTokenStore) CreateSession(ctx context.Context, session domain.Session) (err error) {
	defer observeStore("redis", "create session", time.Now(), &err)

	args := append([]any{session.ID}, sessionFields(session)...)
	status, err := createSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(session.ID), s.userSessionsKey(session.UserID)}, args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if status == statusConflict {
		return ErrDuplicateSession
	}
	return nil
}

func (s *RedisTokenStore) GetSession(ctx context.Context, id string) (_ domain.Session, err error) {
	defer observeStore("redis", "get session", time.Now(), &err)

	values, err := s.redis.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(values) == 0 {
		return domain.Session{}, ErrSessionNotFound
	}
	return sessionFromHash(values)
}

func (s *RedisTokenStore) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, now time.Time) (_ domain.Session, err error) {
	defer observeStore("redis", "update session", time.Now(), &err)

	args := sessionPatchFields(patch, now)
	flat, err := updateSessionLua.Run(ctx, s.redis, []string{s.sessionKey(id)}, args...).StringSlice()
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(flat) == 0 {
		return domain.Session{}, ErrSessionNotFound
	}

	values := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		values[flat[i]] = flat[i+1]
	}
	return sessionFromHash(values)
}

func (s *RedisTokenStore) ListSessionsByUser(ctx context.Context, userID string) (_ []domain.Session, err error) {
	defer observeStore("redis", "list sessions", time.Now(), &err)

	ids, err := s.redis.SMembers(ctx, s.userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]domain.Session, 0, len(ids))
	for _, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		session, err := sessionFromHash(values)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

func (s *RedisTokenStore) CreateRefreshToken(ctx context.Context, token domain.RefreshToken) (err error) {
	defer observeStore("redis", "create refresh token", time.Now(), &err)

	args := append([]any{token.JTI, expiryScore(token.ExpiresAt)}, tokenFields(token)...)
	status, err := createTokenLua.Run(ctx, s.redis,
		[]string{s.tokenKey(token.JTI), s.tokenIDKey(token.ID), s.familyKey(token.FamilyID), s.expiryKey()},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if status == statusConflict {
		return ErrDuplicateJTI
	}
	return nil
}

func (s *RedisTokenStore) GetRefreshTokenByJTI(ctx context.Context, jti string) (_ domain.RefreshToken, err error) {
	defer observeStore("redis", "get refresh token by jti", time.Now(), &err)
	return s.getToken(ctx, jti)
}

func (s *RedisTokenStore) GetRefreshTokenByID(ctx context.Context, id string) (_ domain.RefreshToken, err error) {
	defer observeStore("redis", "get refresh token by id", time.Now(), &err)

	jti, err := s.redis.Get(ctx, s.tokenIDKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.RefreshToken{}, ErrRefreshTokenNotFound
	}
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.getToken(ctx, jti)
}

func (s *RedisTokenStore) getToken(ctx context.Context, jti string) (domain.RefreshToken, error) {
	values, err := s.redis.HGetAll(ctx, s.tokenKey(jti)).Result()
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(values) == 0 {
		return domain.RefreshToken{}, ErrRefreshTokenNotFound
	}
	return tokenFromHash(values)
}

func (s *RedisTokenStore) RotateRefreshToken(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) (err error) {
	defer observeStore("redis", "rotate refresh token", time.Now(), &err)

	args := append([]any{
		formatTime(usedAt),
		successor.JTI,
		successor.ID,
		expiryScore(successor.ExpiresAt),
	}, tokenFields(successor)...)

	status, err := rotateTokenLua.Run(ctx, s.redis,
		[]string{
			s.tokenKey(jti),
			s.tokenKey(successor.JTI),
			s.tokenIDKey(successor.ID),
			s.familyKey(successor.FamilyID),
			s.expiryKey(),
			s.sessionKey(successor.SessionID),
		},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case statusOK:
		return nil
	case statusNotFound:
		return ErrRefreshTokenNotFound
	case statusUsed:
		return ErrTokenAlreadyUsed
	case statusRevoked:
		return ErrTokenAlreadyRevoked
	case statusDuplicate:
		return ErrDuplicateJTI
	default:
		return fmt.Errorf("%w: unknown rotate status %d", ErrRedisUnavailable, status)
	}
}

func (s *RedisTokenStore) RevokeRefreshToken(ctx context.Context, jti string, at time.Time, reason string) (_ bool, err error) {
	defer observeStore("redis", "revoke refresh token", time.Now(), &err)

	status, err := revokeTokenLua.Run(ctx, s.redis, []string{s.tokenKey(jti)}, formatTime(at), reason).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if status == statusNotFound {
		return false, ErrRefreshTokenNotFound
	}
	return status == statusOK, nil
}

func (s *RedisTokenStore) RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (_ int, err error) {
	defer observeStore("redis", "revoke refresh token family", time.Now(), &err)

	n, err := revokeFamilyLua.Run(ctx, s.redis,
		[]string{s.familyKey(familyID)}, formatTime(at), reason, s.prefix+"rt:",
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

func (s *RedisTokenStore) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (_ int64, err error) {
	defer observeStore("redis", "delete expired refresh tokens", time.Now(), &err)

	n, err := deleteExpiredLua.Run(ctx, s.redis, []string{s.expiryKey()}, expiryScore(before), s.prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

func expiryScore(t time.Time) int64 {
	return t.UnixMilli()
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return time.Unix(0, n).UTC(), nil
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func tokenFields(t domain.RefreshToken) []any {
	return []any{
		"id", t.ID,
		"jti", t.JTI,
		"user_id", t.UserID,
		"family_id", t.FamilyID,
		"session_id", t.SessionID,
		"fingerprint_hash", t.FingerprintHash,
		"expires_at", formatTime(t.ExpiresAt),
		"revoked_at", formatOptionalTime(t.RevokedAt),
		"revoked_reason", t.RevokedReason,
		"used_at", formatOptionalTime(t.UsedAt),
		"created_at", formatTime(t.CreatedAt),
	}
}

func tokenFromHash(v map[string]string) (domain.RefreshToken, error) {
	t := domain.RefreshToken{
		ID:              v["id"],
		JTI:             v["jti"],
		UserID:          v["user_id"],
		FamilyID:        v["family_id"],
		SessionID:       v["session_id"],
		FingerprintHash: v["fingerprint_hash"],
		RevokedReason:   v["revoked_reason"],
	}

	var err error
	if t.ExpiresAt, err = parseTime(v["expires_at"]); err != nil {
		return domain.RefreshToken{}, err
	}
	if t.CreatedAt, err = parseTime(v["created_at"]); err != nil {
		return domain.RefreshToken{}, err
	}
	if t.RevokedAt, err = parseOptionalTime(v["revoked_at"]); err != nil {
		return domain.RefreshToken{}, err
	}
	if t.UsedAt, err = parseOptionalTime(v["used_at"]); err != nil {
		return domain.RefreshToken{}, err
	}
	return t, nil
}

func sessionFields(s domain.Session) []any {
	return []any{
		"id", s.ID,
		"user_id", s.UserID,
		"fingerprint_hash", s.FingerprintHash,
		"device_info", s.DeviceInfo,
		"user_agent", s.UserAgent,
		"ip_address", s.IPAddress,
		"is_active", strconv.FormatBool(s.IsActive),
		"current_refresh_token_id", s.CurrentRefreshTokenID,
		"invalidated_reason", s.InvalidatedReason,
		"created_at", formatTime(s.CreatedAt),
		"updated_at", formatTime(s.UpdatedAt),
	}
}

func sessionPatchFields(p domain.SessionPatch, now time.Time) []any {
	args := []any{"updated_at", formatTime(now)}
	if p.CurrentRefreshTokenID != nil {
		args = append(args, "current_refresh_token_id", *p.CurrentRefreshTokenID)
	}
	if p.IsActive != nil {
		args = append(args, "is_active", strconv.FormatBool(*p.IsActive))
	}
	if p.InvalidatedReason != nil {
		args = append(args, "invalidated_reason", *p.InvalidatedReason)
	}
	if p.DeviceInfo != nil {
		args = append(args, "device_info", *p.DeviceInfo)
	}
	if p.UserAgent != nil {
		args = append(args, "user_agent", *p.UserAgent)
	}
	if p.IPAddress != nil {
		args = append(args, "ip_address", *p.IPAddress)
	}
	return args
}

func sessionFromHash(v map[string]string) (domain.Session, error) {
	s := domain.Session{
		ID:                    v["id"],
		UserID:                v["user_id"],
		FingerprintHash:       v["fingerprint_hash"],
		DeviceInfo:            v["device_info"],
		UserAgent:             v["user_agent"],
		IPAddress:             v["ip_address"],
		CurrentRefreshTokenID: v["current_refresh_token_id"],
		InvalidatedReason:     v["invalidated_reason"],
	}

	var err error
	if s.IsActive, err = strconv.ParseBool(v["is_active"]); err != nil {
		return domain.Session{}, fmt.Errorf("parse is_active: %w", err)
	}
	if s.CreatedAt, err = parseTime(v["created_at"]); err != nil {
		return domain.Session{}, err
	}
	if s.UpdatedAt, err = parseTime(v["updated_at"]); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}
