// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key naming conventions.
const (
	// redisSagaKeyPattern is the pattern for saga metadata keys: {prefix}saga:{sagaID}
	redisSagaKeyPattern = "%ssaga:%s"

	// redisDataKeyPattern is the pattern for payload snapshot keys: {prefix}data:{sagaID}
	redisDataKeyPattern = "%sdata:%s"

	// redisDoneKeyPattern is the pattern for the set of compensated step keys: {prefix}done:{sagaID}
	redisDoneKeyPattern = "%sdone:%s"

	// redisFailKeyPattern is the pattern for the per-step failure hash: {prefix}fail:{sagaID}
	redisFailKeyPattern = "%sfail:%s"

	// redisLockKeyPattern is the pattern for advisory lock keys: {prefix}lock:{sagaID}
	redisLockKeyPattern = "%slock:%s"

	// redisOrderKeyPattern is the pattern for the creation-order list: {prefix}order
	redisOrderKeyPattern = "%sorder"

	// redisCasAttempts bounds optimistic WATCH retries per mutation.
	redisCasAttempts = 5
)

// unlockScript releases a lock only when it is still held by the caller's
// token, so a worker cannot drop a lock that expired and was retaken.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSagaStoreConfig configures a RedisSagaStore.
type RedisSagaStoreConfig struct {
	// Addr is the Redis address, e.g. "127.0.0.1:6379".
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all keys (default "sagas:").
	KeyPrefix string

	// Converter serializes payload snapshots (default JSONDataConverter).
	Converter DataConverter
}

// redisSagaInfo is the stored form of SagaInfo. Definitions are code, not
// data: only the definition name is persisted, and every process using the
// store must register the same definitions.
type redisSagaInfo struct {
	SagaID          string    `json:"saga_id"`
	State           SagaState `json:"state"`
	FailTimes       int       `json:"fail_times"`
	CreateTime      time.Time `json:"create_time"`
	LastProcessTime time.Time `json:"last_process_time"`
	DefinitionName  string    `json:"definition_name"`
}

// RedisSagaStore is a Redis-backed SagaStore for sagas that must survive a
// process restart and be visible to workers in other processes.
//
// Key design:
//   - Saga metadata: {prefix}saga:{sagaID} (JSON)
//   - Payload snapshot: {prefix}data:{sagaID}
//   - Compensated steps: {prefix}done:{sagaID} (set of step keys)
//   - Per-step failures: {prefix}fail:{sagaID} (hash step key -> count)
//   - Advisory locks: {prefix}lock:{sagaID} (SET NX PX with holder token)
//   - Creation order: {prefix}order (list of saga ids)
//
// State transitions run under WATCH on the metadata key, so concurrent
// writers resolve the same way as in MemorySagaStore: exactly one of two
// racing compare-and-swaps succeeds.
type RedisSagaStore struct {
	client    *redis.Client
	keyPrefix string
	converter DataConverter

	mu          sync.Mutex
	definitions map[string]*SagaDefinition
	lockTokens  map[string]string
}

// NewRedisSagaStore connects to Redis and verifies connectivity.
func NewRedisSagaStore(cfg RedisSagaStoreConfig) (*RedisSagaStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis saga store: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis saga store: ping: %w", err)
	}
	return NewRedisSagaStoreWithClient(client, cfg.KeyPrefix, cfg.Converter), nil
}

// NewRedisSagaStoreWithClient wraps an existing client. Useful for tests and
// for sharing a connection pool.
func NewRedisSagaStoreWithClient(client *redis.Client, keyPrefix string, converter DataConverter) *RedisSagaStore {
	if keyPrefix == "" {
		keyPrefix = "sagas:"
	}
	if converter == nil {
		converter = NewJSONDataConverter()
	}
	return &RedisSagaStore{
		client:      client,
		keyPrefix:   keyPrefix,
		converter:   converter,
		definitions: make(map[string]*SagaDefinition),
		lockTokens:  make(map[string]string),
	}
}

// Close releases the Redis connection.
func (r *RedisSagaStore) Close() error {
	return r.client.Close()
}

// RegisterDefinition makes sagas of this definition resolvable by
// GetSagaInfo in this process. CreateSagaID registers implicitly; worker
// processes that only resume sagas must register explicitly.
func (r *RedisSagaStore) RegisterDefinition(definition *SagaDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[definition.Name()] = definition
}

// CreateSagaID allocates a saga instance in StateProcessing.
func (r *RedisSagaStore) CreateSagaID(ctx context.Context, definition *SagaDefinition) (string, error) {
	if definition == nil {
		return "", fmt.Errorf("create saga: nil definition")
	}
	r.RegisterDefinition(definition)
	id := uuid.NewString()
	now := time.Now().UTC()
	raw, err := json.Marshal(&redisSagaInfo{
		SagaID:          id,
		State:           StateProcessing,
		CreateTime:      now,
		LastProcessTime: now,
		DefinitionName:  definition.Name(),
	})
	if err != nil {
		return "", err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sagaKey(id), raw, 0)
		pipe.RPush(ctx, r.orderKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create saga: %w", err)
	}
	return id, nil
}

// GetSagaInfo returns the saga's metadata. The stored definition name must
// be registered in this process.
func (r *RedisSagaStore) GetSagaInfo(ctx context.Context, sagaID string) (*SagaInfo, error) {
	stored, err := r.readInfo(ctx, r.client, sagaID)
	if err != nil {
		return nil, err
	}
	return r.toSagaInfo(stored)
}

// SetSagaState transitions the saga with compare-and-swap semantics.
func (r *RedisSagaStore) SetSagaState(ctx context.Context, sagaID string, newState SagaState, oldState *SagaState) (bool, error) {
	applied := false
	err := r.withSaga(ctx, sagaID, func(tx *redis.Tx, info *redisSagaInfo) error {
		applied = false
		if oldState != nil {
			if info.State != *oldState {
				return nil
			}
		} else if info.State.IsTerminal() && info.State != newState {
			return nil
		}
		info.State = newState
		info.LastProcessTime = time.Now().UTC()
		applied = true
		return r.writeInfo(ctx, tx, info)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// SetSagaData checkpoints the payload.
func (r *RedisSagaStore) SetSagaData(ctx context.Context, sagaID string, data SagaData) error {
	raw, err := r.converter.Serialize(data)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.dataKey(sagaID), raw, 0).Err()
}

// GetSagaData returns the last checkpointed payload.
func (r *RedisSagaStore) GetSagaData(ctx context.Context, sagaID string) (SagaData, error) {
	raw, err := r.client.Get(ctx, r.dataKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("saga %s data: %w", sagaID, ErrSagaNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r.converter.Deserialize(raw)
}

// CompensationStart moves the saga into StateCompensationDoing.
func (r *RedisSagaStore) CompensationStart(ctx context.Context, sagaID string) error {
	return r.withSaga(ctx, sagaID, func(tx *redis.Tx, info *redisSagaInfo) error {
		switch info.State {
		case StateCompensationDoing:
			return nil
		case StateProcessing, StateCompensationError:
			info.State = StateCompensationDoing
			info.LastProcessTime = time.Now().UTC()
			return r.writeInfo(ctx, tx, info)
		default:
			return NewProcessError(fmt.Sprintf("saga %s: cannot start compensation from state %s", sagaID, info.State))
		}
	})
}

// CompensationException counts a failed compensation attempt for the step
// key, moving the saga to StateCompensationError or, once the budget is
// exhausted, to StateCompensationFail.
func (r *RedisSagaStore) CompensationException(ctx context.Context, sagaID string, stepKey string, cause error) error {
	return r.withSaga(ctx, sagaID, func(tx *redis.Tx, info *redisSagaInfo) error {
		if info.State.IsTerminal() {
			return NewProcessError(fmt.Sprintf("saga %s: compensation exception in terminal state %s", sagaID, info.State))
		}
		count, err := tx.HGet(ctx, r.failKey(sagaID), stepKey).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		count++
		info.FailTimes++
		if count >= MaxCompensationFailTimes {
			info.State = StateCompensationFail
		} else {
			info.State = StateCompensationError
		}
		info.LastProcessTime = time.Now().UTC()
		raw, err := json.Marshal(info)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.failKey(sagaID), stepKey, count)
			pipe.Set(ctx, r.sagaKey(sagaID), raw, 0)
			return nil
		})
		return err
	})
}

// CompensationDone marks the step's compensation complete; when every step
// key of the definition is done the saga moves to StateCompensationDone.
func (r *RedisSagaStore) CompensationDone(ctx context.Context, sagaID string, stepKey string) error {
	return r.withSaga(ctx, sagaID, func(tx *redis.Tx, info *redisSagaInfo) error {
		if info.State.IsTerminal() {
			if info.State == StateCompensationDone {
				return nil
			}
			return NewProcessError(fmt.Sprintf("saga %s: compensation done in terminal state %s", sagaID, info.State))
		}
		done, err := tx.SMembers(ctx, r.doneKey(sagaID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		doneSet := make(map[string]struct{}, len(done)+1)
		for _, k := range done {
			doneSet[k] = struct{}{}
		}
		doneSet[stepKey] = struct{}{}

		def, err := r.definitionByName(info.DefinitionName)
		if err != nil {
			return err
		}
		allDone := true
		for _, key := range def.StepKeys() {
			if _, ok := doneSet[key]; !ok {
				allDone = false
				break
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, r.doneKey(sagaID), stepKey)
			if allDone {
				info.State = StateCompensationDone
				info.LastProcessTime = time.Now().UTC()
				raw, err := json.Marshal(info)
				if err != nil {
					return err
				}
				pipe.Set(ctx, r.sagaKey(sagaID), raw, 0)
			}
			return nil
		})
		return err
	})
}

// ListSagaIDsInStates returns up to limit ids in one of states, in creation
// order, resumable via afterSagaID.
func (r *RedisSagaStore) ListSagaIDsInStates(ctx context.Context, states []SagaState, limit int, afterSagaID string) ([]string, error) {
	wanted := make(map[SagaState]struct{}, len(states))
	for _, st := range states {
		wanted[st] = struct{}{}
	}
	order, err := r.client.LRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var ids []string
	skipping := afterSagaID != ""
	if skipping {
		// A cursor no longer in the order list must not swallow the whole
		// listing; restart from the beginning.
		skipping = false
		for _, id := range order {
			if id == afterSagaID {
				skipping = true
				break
			}
		}
	}
	for _, id := range order {
		if skipping {
			if id == afterSagaID {
				skipping = false
			}
			continue
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
		info, err := r.readInfo(ctx, r.client, id)
		if err != nil {
			if errors.Is(err, ErrSagaNotFound) {
				continue
			}
			return nil, err
		}
		if _, ok := wanted[info.State]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LockSagaProcess takes the saga's distributed advisory lock for ttl.
func (r *RedisSagaStore) LockSagaProcess(ctx context.Context, sagaID string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.lockKey(sagaID), token, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	r.lockTokens[sagaID] = token
	r.mu.Unlock()
	return true, nil
}

// UnlockSagaProcess releases the lock if this store instance still holds it.
func (r *RedisSagaStore) UnlockSagaProcess(ctx context.Context, sagaID string) error {
	r.mu.Lock()
	token, held := r.lockTokens[sagaID]
	delete(r.lockTokens, sagaID)
	r.mu.Unlock()
	if !held {
		return nil
	}
	return unlockScript.Run(ctx, r.client, []string{r.lockKey(sagaID)}, token).Err()
}

// withSaga runs fn under WATCH on the saga's metadata key, retrying on
// concurrent modification.
func (r *RedisSagaStore) withSaga(ctx context.Context, sagaID string, fn func(tx *redis.Tx, info *redisSagaInfo) error) error {
	key := r.sagaKey(sagaID)
	var lastErr error
	for attempt := 0; attempt < redisCasAttempts; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			info, err := r.readInfo(ctx, tx, sagaID)
			if err != nil {
				return err
			}
			return fn(tx, info)
		}, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("saga %s: concurrent modification retries exhausted: %w", sagaID, lastErr)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisSagaStore) readInfo(ctx context.Context, c redisGetter, sagaID string) (*redisSagaInfo, error) {
	raw, err := c.Get(ctx, r.sagaKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrSagaNotFound)
	}
	if err != nil {
		return nil, err
	}
	var info redisSagaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("saga %s: decode metadata: %w", sagaID, err)
	}
	return &info, nil
}

func (r *RedisSagaStore) writeInfo(ctx context.Context, tx *redis.Tx, info *redisSagaInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sagaKey(info.SagaID), raw, 0)
		return nil
	})
	return err
}

func (r *RedisSagaStore) toSagaInfo(stored *redisSagaInfo) (*SagaInfo, error) {
	def, err := r.definitionByName(stored.DefinitionName)
	if err != nil {
		return nil, err
	}
	return &SagaInfo{
		SagaID:          stored.SagaID,
		State:           stored.State,
		FailTimes:       stored.FailTimes,
		CreateTime:      stored.CreateTime,
		LastProcessTime: stored.LastProcessTime,
		Definition:      def,
	}, nil
}

func (r *RedisSagaStore) definitionByName(name string) (*SagaDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.definitions[name]
	if !ok {
		return nil, NewProcessError(fmt.Sprintf("saga definition %q not registered in this process", name))
	}
	return def, nil
}

func (r *RedisSagaStore) sagaKey(sagaID string) string {
	return fmt.Sprintf(redisSagaKeyPattern, r.keyPrefix, sagaID)
}

func (r *RedisSagaStore) dataKey(sagaID string) string {
	return fmt.Sprintf(redisDataKeyPattern, r.keyPrefix, sagaID)
}

func (r *RedisSagaStore) doneKey(sagaID string) string {
	return fmt.Sprintf(redisDoneKeyPattern, r.keyPrefix, sagaID)
}

func (r *RedisSagaStore) failKey(sagaID string) string {
	return fmt.Sprintf(redisFailKeyPattern, r.keyPrefix, sagaID)
}

func (r *RedisSagaStore) lockKey(sagaID string) string {
	return fmt.Sprintf(redisLockKeyPattern, r.keyPrefix, sagaID)
}

func (r *RedisSagaStore) orderKey() string {
	return fmt.Sprintf(redisOrderKeyPattern, r.keyPrefix)
}
