// Package storage persists call, Commander, and directive state in NATS KV.
// Each bucket carries a TTL so abandoned sessions are reclaimed without a
// sweeper. State blobs are read-modify-written as a unit by their single
// owner; the store only has to make individual get/put operations atomic.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/partsdial/commander/commander"
	"github.com/partsdial/commander/negotiation"
	"github.com/partsdial/commander/overseer"
)

// Bucket names.
const (
	BucketCallStates      = "CALL_STATES"
	BucketCommanderStates = "COMMANDER_STATES"
	BucketCallDirectives  = "CALL_DIRECTIVES"
)

// stageAttempts bounds the optimistic-concurrency retry loop when appending
// a directive to a call's staging list.
const stageAttempts = 3

// Options configure bucket retention.
type Options struct {
	// CallStateTTL is how long a call state outlives its last write.
	CallStateTTL time.Duration
	// CommanderStateTTL is how long a Commander state outlives its last write.
	CommanderStateTTL time.Duration
	// DirectiveTTL is how long a staged directive waits for consumption.
	DirectiveTTL time.Duration
}

// Store provides state persistence backed by NATS KV.
type Store struct {
	calls      jetstream.KeyValue
	commanders jetstream.KeyValue
	directives jetstream.KeyValue
}

// NewStore creates the KV buckets if needed and returns a Store.
func NewStore(ctx context.Context, js jetstream.JetStream, opts Options) (*Store, error) {
	calls, err := getOrCreateBucket(ctx, js, BucketCallStates, "Per-call negotiation state", opts.CallStateTTL)
	if err != nil {
		return nil, fmt.Errorf("create call states bucket: %w", err)
	}

	commanders, err := getOrCreateBucket(ctx, js, BucketCommanderStates, "Per-request Commander state", opts.CommanderStateTTL)
	if err != nil {
		return nil, fmt.Errorf("create commander states bucket: %w", err)
	}

	directives, err := getOrCreateBucket(ctx, js, BucketCallDirectives, "Staged directives awaiting consumption", opts.DirectiveTTL)
	if err != nil {
		return nil, fmt.Errorf("create directives bucket: %w", err)
	}

	return &Store{
		calls:      calls,
		commanders: commanders,
		directives: directives,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name, description string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		TTL:         ttl,
	})
}

// PutCallState writes a call state blob as a unit.
func (s *Store) PutCallState(ctx context.Context, st *negotiation.CallState) error {
	if st.CallID == "" {
		return fmt.Errorf("call state has no call id")
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal call state: %w", err)
	}

	if _, err := s.calls.Put(ctx, st.CallID, data); err != nil {
		return fmt.Errorf("store call state %s: %w", st.CallID, err)
	}
	return nil
}

// GetCallState retrieves a call state by call ID.
func (s *Store) GetCallState(ctx context.Context, callID string) (*negotiation.CallState, error) {
	entry, err := s.calls.Get(ctx, callID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get call state %s: %w", callID, err)
	}

	var st negotiation.CallState
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, fmt.Errorf("unmarshal call state %s: %w", callID, err)
	}
	return &st, nil
}

// DeleteCallState removes a call state before its TTL would reclaim it.
func (s *Store) DeleteCallState(ctx context.Context, callID string) error {
	if err := s.calls.Delete(ctx, callID); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete call state %s: %w", callID, err)
	}
	return nil
}

// ListCallStatesByRequest returns all stored call states belonging to one
// quote request. Entries that fail to load are skipped so one corrupt blob
// cannot block reconstruction.
func (s *Store) ListCallStatesByRequest(ctx context.Context, quoteRequestID string) ([]*negotiation.CallState, error) {
	keys, err := s.calls.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list call state keys: %w", err)
	}

	var states []*negotiation.CallState
	for _, key := range keys {
		entry, err := s.calls.Get(ctx, key)
		if err != nil {
			continue
		}
		var st negotiation.CallState
		if err := json.Unmarshal(entry.Value(), &st); err != nil {
			continue
		}
		if st.QuoteRequestID == quoteRequestID {
			states = append(states, &st)
		}
	}
	return states, nil
}

// PutCommanderState writes a Commander state blob as a unit. The single
// consumer per request excludes concurrent writers, so a plain put is safe.
func (s *Store) PutCommanderState(ctx context.Context, st *commander.State) error {
	if st.QuoteRequestID == "" {
		return fmt.Errorf("commander state has no quote request id")
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal commander state: %w", err)
	}

	if _, err := s.commanders.Put(ctx, st.QuoteRequestID, data); err != nil {
		return fmt.Errorf("store commander state %s: %w", st.QuoteRequestID, err)
	}
	return nil
}

// GetCommanderState retrieves the Commander state for a quote request,
// returning commander.ErrStateNotFound when none exists yet.
func (s *Store) GetCommanderState(ctx context.Context, quoteRequestID string) (*commander.State, error) {
	entry, err := s.commanders.Get(ctx, quoteRequestID)
	if err != nil {
		if isNotFound(err) {
			return nil, commander.ErrStateNotFound
		}
		return nil, fmt.Errorf("get commander state %s: %w", quoteRequestID, err)
	}

	var st commander.State
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, fmt.Errorf("unmarshal commander state %s: %w", quoteRequestID, err)
	}
	return &st, nil
}

// StageDirective appends a directive to its target call's staging list.
// The revision-checked update keeps concurrent stagings from clobbering each
// other; the Commander and an in-flight TTL expiry are the only writers.
func (s *Store) StageDirective(ctx context.Context, d *overseer.Directive) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid directive: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < stageAttempts; attempt++ {
		entry, err := s.directives.Get(ctx, d.TargetCallID)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("get staged directives %s: %w", d.TargetCallID, err)
		}

		var staged []*overseer.Directive
		var revision uint64
		if err == nil {
			revision = entry.Revision()
			if err := json.Unmarshal(entry.Value(), &staged); err != nil {
				// A corrupt list would wedge the key forever; start fresh.
				staged = nil
			}
		}
		staged = append(staged, d)

		data, err := json.Marshal(staged)
		if err != nil {
			return fmt.Errorf("marshal staged directives: %w", err)
		}

		if revision == 0 {
			_, lastErr = s.directives.Create(ctx, d.TargetCallID, data)
		} else {
			_, lastErr = s.directives.Update(ctx, d.TargetCallID, data, revision)
		}
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("stage directive for %s: %w", d.TargetCallID, lastErr)
}

// TakeDirectives atomically removes and returns the directives staged for a
// call. The delete is pinned to the revision that was read, so a directive
// is handed out at most once even under concurrent takes; on a revision
// conflict nothing is returned and the staged list survives for the next
// turn.
func (s *Store) TakeDirectives(ctx context.Context, callID string) ([]*overseer.Directive, error) {
	entry, err := s.directives.Get(ctx, callID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get staged directives %s: %w", callID, err)
	}

	var staged []*overseer.Directive
	if err := json.Unmarshal(entry.Value(), &staged); err != nil {
		// Corrupt list: clear it rather than re-reading it forever.
		_ = s.directives.Delete(ctx, callID)
		return nil, fmt.Errorf("unmarshal staged directives %s: %w", callID, err)
	}

	if err := s.directives.Delete(ctx, callID, jetstream.LastRevision(entry.Revision())); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		// Revision moved between get and delete; defer to the next turn.
		return nil, nil
	}

	return staged, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
