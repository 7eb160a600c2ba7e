// Package jobs exposes the provider-backed batch kinds behind one submit call.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/foxzi/pacer/internal/batch"
	"github.com/foxzi/pacer/internal/provider"
)

const (
	KindClassify = "classify"
	KindVerify   = "verify"
)

var (
	ErrUnknownKind = errors.New("unknown batch kind")
	ErrNoItems     = errors.New("batch has no items")
	ErrInvalidItem = errors.New("invalid batch item")
)

type Classifier interface {
	Classify(ctx context.Context, in provider.CompanyInput) (*provider.Classification, error)
}

type Verifier interface {
	Verify(ctx context.Context, in provider.PersonInput) (*provider.Verification, error)
}

// ItemInput is one submitted work item; Value is decoded according to the kind
type ItemInput struct {
	ID    string          `json:"id"`
	Label string          `json:"label"`
	Value json.RawMessage `json:"value"`
}

// Request submits a batch
type Request struct {
	Kind  string      `json:"kind"`
	ID    string      `json:"id,omitempty"`
	Items []ItemInput `json:"items"`
}

type submitFunc func(ctx context.Context, req Request) (string, error)

// Service validates batch requests and starts them on the runner
type Service struct {
	runner *batch.Runner
	kinds  map[string]submitFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService registers a kind per non-nil provider
func NewService(runner *batch.Runner, classifier Classifier, verifier Verifier, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		runner: runner,
		kinds:  make(map[string]submitFunc),
		logger: logger.With("component", "jobs"),
		ctx:    ctx,
		cancel: cancel,
	}
	if classifier != nil {
		s.kinds[KindClassify] = func(ctx context.Context, req Request) (string, error) {
			return start(s, req, func(ctx context.Context, item batch.Item[provider.CompanyInput]) batch.Result {
				if strings.TrimSpace(item.Value.Keywords) == "" && strings.TrimSpace(item.Value.Description) == "" {
					return batch.Skip("nothing to classify: keywords and description are empty")
				}
				res, err := classifier.Classify(ctx, item.Value)
				if err != nil {
					return batch.FromError(err)
				}
				return batch.Success(res.Specialization)
			})
		}
	}
	if verifier != nil {
		s.kinds[KindVerify] = func(ctx context.Context, req Request) (string, error) {
			return start(s, req, func(ctx context.Context, item batch.Item[provider.PersonInput]) batch.Result {
				res, err := verifier.Verify(ctx, item.Value)
				if err != nil {
					return batch.FromError(err)
				}
				return batch.Success(string(res.Decision))
			})
		}
	}
	return s
}

// Kinds lists the registered batch kinds
func (s *Service) Kinds() []string {
	out := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Submit validates req and starts it in the background, returning the progress id.
// Invalid requests are rejected before any progress entry exists.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	submit, ok := s.kinds[req.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	if len(req.Items) == 0 {
		return "", ErrNoItems
	}
	return submit(ctx, req)
}

// Close interrupts running jobs; they finish as interrupted
func (s *Service) Close() {
	s.cancel()
}

func start[T any](s *Service, req Request, process batch.ProcessFunc[T]) (string, error) {
	items, err := decodeItems[T](req.Items)
	if err != nil {
		return "", err
	}

	id, err := batch.Start(s.ctx, s.runner, batch.Job[T]{
		ID:      req.ID,
		Kind:    req.Kind,
		Items:   items,
		Process: process,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("batch submitted", "job_id", id, "kind", req.Kind, "items", len(items))
	return id, nil
}

func decodeItems[T any](in []ItemInput) ([]batch.Item[T], error) {
	items := make([]batch.Item[T], len(in))
	for i, raw := range in {
		if raw.ID == "" {
			return nil, fmt.Errorf("%w: item %d has no id", ErrInvalidItem, i)
		}
		var v T
		if len(raw.Value) > 0 {
			if err := json.Unmarshal(raw.Value, &v); err != nil {
				return nil, fmt.Errorf("%w: item %s: %v", ErrInvalidItem, raw.ID, err)
			}
		}
		label := raw.Label
		if label == "" {
			label = raw.ID
		}
		items[i] = batch.Item[T]{ID: raw.ID, Label: label, Value: v}
	}
	return items, nil
}
