package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// keyedHashPrefix marks digests of requests with secret inputs.
const keyedHashPrefix = "hmac-sha256:"

// Decision is the planner's verdict for one resolved request.
type Decision struct {
	// Operation is create, update or noop.
	Operation OperationType

	// InputHash is the digest of the request that will be recorded.
	InputHash string

	// Prior is the recorded state, nil on create.
	Prior *ResourceState
}

// DefaultPlanner compares resolved requests against recorded state.
// A request whose input hash matches the recorded one is a noop, which is
// what makes re-running a stack idempotent.
type DefaultPlanner struct {
	// stateManager is used to retrieve recorded state
	stateManager StateManager

	keyOnce sync.Once
	key     []byte
	keyErr  error
}

// NewPlanner creates a new default planner implementation.
func NewPlanner(stateMgr StateManager) *DefaultPlanner {
	return &DefaultPlanner{
		stateManager: stateMgr,
	}
}

// Decide computes the operation for a resolved request.
func (p *DefaultPlanner) Decide(ctx context.Context, req *Request) (*Decision, error) {
	if req == nil {
		return nil, NewPermanentError("request is nil", nil).
			WithCode(ErrCodeValidation)
	}

	var key []byte
	if req.Secret {
		var err error
		if key, err = p.hashKey(ctx); err != nil {
			return nil, NewPermanentError("failed to load input hash key", err).
				WithCode(ErrCodeInternal).
				WithResource(req.URN)
		}
	}

	hash, err := InputHash(req, key)
	if err != nil {
		return nil, NewPermanentError("failed to hash request", err).
			WithCode(ErrCodeInternal).
			WithResource(req.URN)
	}

	decision := &Decision{
		Operation: OperationCreate,
		InputHash: hash,
	}
	if p.stateManager == nil {
		return decision, nil
	}

	prior, err := p.stateManager.GetResourceState(ctx, req.URN)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", req.URN, err)
	}
	if prior == nil {
		return decision, nil
	}

	decision.Prior = prior
	if prior.InputHash == hash {
		decision.Operation = OperationNoop
	} else {
		decision.Operation = OperationUpdate
	}
	return decision, nil
}

// hashKey returns the state manager's key, nil when it has none.
func (p *DefaultPlanner) hashKey(ctx context.Context) ([]byte, error) {
	keyer, ok := p.stateManager.(InputHashKeyer)
	if !ok {
		return nil, nil
	}
	p.keyOnce.Do(func() {
		p.key, p.keyErr = keyer.InputHashKey(ctx)
	})
	return p.key, p.keyErr
}

// InputHash returns a stable digest of a request's identity and inputs.
// encoding/json sorts map keys, which keeps the digest independent of map
// iteration order.
//
// A request with secret inputs is digested with HMAC-SHA256 under key, so
// recorded hashes can't be matched against guessed secrets without it.
func InputHash(req *Request, key []byte) (string, error) {
	payload := struct {
		Kind       ResourceKind `json:"kind"`
		Name       string       `json:"name"`
		Properties Properties   `json:"properties"`
	}{
		Kind:       req.Kind,
		Name:       req.Name,
		Properties: req.Properties,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if req.Secret {
		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		return keyedHashPrefix + hex.EncodeToString(mac.Sum(nil)), nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
