package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
)

// RedisOptions configures a RedisManager.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	// TTL bounds how long a lock survives a crashed holder.
	TTL time.Duration
	// Prefix namespaces every key; defaults to "cluso:lock".
	Prefix string
}

const defaultRedisTTL = 24 * time.Hour

// Exclusive locks are string keys holding the owner transaction id.
// Shared locks are sets of transaction ids. Each transaction keeps two
// sets naming the keys it touched so ReleaseAll needs no scan.
var (
	acquireExclusiveScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder then
  if holder == ARGV[1] then return {1, ''} end
  return {0, holder}
end
for _, member in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  if member ~= ARGV[1] then return {0, member} end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], KEYS[1])
redis.call('PEXPIRE', KEYS[3], ARGV[2])
return {1, ''}
`)

	acquireSharedScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder then
  if holder == ARGV[1] then return {1, ''} end
  return {0, holder}
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], KEYS[2])
redis.call('PEXPIRE', KEYS[3], ARGV[2])
return {1, ''}
`)

	releaseAllScript = redis.NewScript(`
local n = 0
for _, k in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('GET', k) == ARGV[1] then
    redis.call('DEL', k)
    n = n + 1
  end
end
for _, k in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  n = n + redis.call('SREM', k, ARGV[1])
end
redis.call('DEL', KEYS[1], KEYS[2])
return n
`)
)

// RedisManager shares locks between repository processes through a
// single Redis node.
type RedisManager struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewRedisManager connects to Redis and verifies the connection.
func NewRedisManager(ctx context.Context, opts RedisOptions, logger logging.Logger, reg *metrics.Registry) (*RedisManager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}
	return newRedisManager(client, opts, logger, reg), nil
}

func newRedisManager(client *redis.Client, opts RedisOptions, logger logging.Logger, reg *metrics.Registry) *RedisManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultRedisTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = "cluso:lock"
	}
	return &RedisManager{
		client:  client,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		logger:  logger.With(logging.Component("lock"), logging.String("backend", "redis")),
		metrics: metrics.OrDefault(reg),
	}
}

func (m *RedisManager) exclusiveKey(resource string) string { return m.prefix + ":x:" + resource }
func (m *RedisManager) sharedKey(resource string) string    { return m.prefix + ":s:" + resource }
func (m *RedisManager) txExclusiveKey(txID string) string   { return m.prefix + ":tx:" + txID + ":x" }
func (m *RedisManager) txSharedKey(txID string) string      { return m.prefix + ":tx:" + txID + ":s" }

func (m *RedisManager) run(ctx context.Context, script *redis.Script, mode Mode, txID, resource string, keys []string) error {
	res, err := script.Run(ctx, m.client, keys, txID, m.ttl.Milliseconds()).Slice()
	if err != nil {
		return fmt.Errorf("lock %s on %s: %w", mode, resource, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("lock %s on %s: unexpected script reply %v", mode, resource, res)
	}
	granted, _ := res[0].(int64)
	if granted == 1 {
		m.metrics.RecordLockAcquire(mode.String(), false)
		return nil
	}
	holder, _ := res[1].(string)
	m.metrics.RecordLockAcquire(mode.String(), true)
	m.logger.Debug("lock conflict",
		logging.TxID(txID),
		logging.ResourceID(resource),
		logging.String("holder", holder))
	return &ConflictError{ResourceID: resource, TxID: txID, Holder: holder, Mode: mode}
}

func (m *RedisManager) AcquireExclusive(ctx context.Context, txID string, id identifier.ResourceID) error {
	resource := key(id)
	keys := []string{m.exclusiveKey(resource), m.sharedKey(resource), m.txExclusiveKey(txID)}
	return m.run(ctx, acquireExclusiveScript, Exclusive, txID, resource, keys)
}

func (m *RedisManager) AcquireNonExclusive(ctx context.Context, txID string, id identifier.ResourceID) error {
	resource := key(id)
	keys := []string{m.exclusiveKey(resource), m.sharedKey(resource), m.txSharedKey(txID)}
	return m.run(ctx, acquireSharedScript, Shared, txID, resource, keys)
}

func (m *RedisManager) ReleaseAll(ctx context.Context, txID string) error {
	keys := []string{m.txExclusiveKey(txID), m.txSharedKey(txID)}
	n, err := releaseAllScript.Run(ctx, m.client, keys, txID).Int()
	if err != nil {
		return fmt.Errorf("release locks of transaction %s: %w", txID, err)
	}
	m.logger.Debug("released locks", logging.TxID(txID), logging.Count(n))
	return nil
}

// Ping checks the Redis connection. Used by health checks.
func (m *RedisManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisManager) Close() error {
	return m.client.Close()
}
