package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/secretvault/docquery"
	"github.com/ruteri/secretvault/interfaces"
)

// CreateQuery saves an aggregation pipeline over one of the builder's
// collections.
func (s *Service) CreateQuery(ctx context.Context, owner interfaces.DID, q interfaces.Query) (*interfaces.Query, error) {
	if err := s.requireBuilder(ctx, owner); err != nil {
		return nil, err
	}

	if q.ID == "" {
		q.ID = uuid.NewString()
	} else if _, err := uuid.Parse(q.ID); err != nil {
		return nil, fmt.Errorf("%w: query id must be a uuid", interfaces.ErrInvalidRequest)
	}
	if strings.TrimSpace(q.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", interfaces.ErrInvalidRequest)
	}
	if len(q.Pipeline) == 0 {
		return nil, fmt.Errorf("%w: pipeline is required", interfaces.ErrInvalidRequest)
	}
	for name, v := range q.Variables {
		if err := docquery.ValidatePath(v.Path); err != nil {
			return nil, fmt.Errorf("%w: variable %s: %v", interfaces.ErrInvalidRequest, name, err)
		}
	}
	if _, err := s.ownCollection(ctx, owner, q.Collection); err != nil {
		return nil, err
	}
	q.Owner = owner
	q.Created = s.now()

	doc, err := toDocument(q)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, queriesCollection, []interfaces.Document{doc}); err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) {
			return nil, fmt.Errorf("%w: query %s already exists", interfaces.ErrDuplicate, q.ID)
		}
		return nil, fmt.Errorf("failed to store query: %w", err)
	}

	s.log.Info("created query", slog.String("owner", owner.String()), slog.String("query", q.ID))
	return &q, nil
}

func (s *Service) ListQueries(ctx context.Context, owner interfaces.DID) ([]interfaces.Query, error) {
	if err := s.requireBuilder(ctx, owner); err != nil {
		return nil, err
	}
	docs, err := s.store.Find(ctx, queriesCollection, interfaces.Filter{"owner": owner.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	out := make([]interfaces.Query, len(docs))
	for i, d := range docs {
		if err := fromDocument(d, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) query(ctx context.Context, owner interfaces.DID, id string) (*interfaces.Query, error) {
	var q interfaces.Query
	if err := s.findOne(ctx, queriesCollection, id, &q); err != nil {
		return nil, err
	}
	if q.Owner != owner {
		return nil, fmt.Errorf("%w: query %s", interfaces.ErrNotFound, id)
	}
	return &q, nil
}

func (s *Service) DeleteQuery(ctx context.Context, owner interfaces.DID, id string) error {
	if _, err := s.query(ctx, owner, id); err != nil {
		return err
	}
	if _, err := s.store.Delete(ctx, queriesCollection, interfaces.Filter{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete query: %w", err)
	}
	return nil
}

// RunQuery starts an asynchronous run of a saved query and returns it in
// pending state. Variable errors are reported immediately.
func (s *Service) RunQuery(ctx context.Context, owner interfaces.DID, id string, variables map[string]any) (*interfaces.QueryRun, error) {
	q, err := s.query(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]string, len(q.Variables))
	for name, v := range q.Variables {
		paths[name] = v.Path
	}
	pipeline, err := docquery.ResolveVariables(q.Pipeline, paths, variables)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidRequest, err)
	}

	run := interfaces.QueryRun{
		ID:      uuid.NewString(),
		QueryID: q.ID,
		Owner:   owner,
		Status:  interfaces.RunPending,
		Started: s.now(),
	}
	doc, err := toDocument(run)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, runsCollection, []interfaces.Document{doc}); err != nil {
		return nil, fmt.Errorf("failed to store query run: %w", err)
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.execute(run, q, pipeline)
	}()

	return &run, nil
}

func (s *Service) execute(run interfaces.QueryRun, q *interfaces.Query, pipeline []map[string]any) {
	ctx, cancel := context.WithTimeout(s.ctx, s.RunTimeout)
	defer cancel()

	log := s.log.With(slog.String("run", run.ID), slog.String("query", q.ID))

	run.Status = interfaces.RunRunning
	if err := s.saveRun(ctx, run); err != nil {
		log.Error("could not update query run", "err", err)
		return
	}

	result, err := s.evaluate(ctx, q, pipeline)
	completed := s.now()
	run.Completed = &completed
	if err != nil {
		run.Status = interfaces.RunError
		run.Errors = []string{err.Error()}
		log.Warn("query run failed", "err", err)
	} else {
		run.Status = interfaces.RunComplete
		run.Result = result
		log.Debug("query run complete", slog.Int("results", len(result)))
	}

	// Persist the outcome even when the run context expired.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if err := s.saveRun(saveCtx, run); err != nil {
		log.Error("could not store query result", "err", err)
	}
}

func (s *Service) evaluate(ctx context.Context, q *interfaces.Query, pipeline []map[string]any) ([]interfaces.Document, error) {
	c, docs, err := s.accessible(ctx, q.Owner, q.Collection, nil, permExecute)
	if err != nil {
		return nil, err
	}
	if c.Type == interfaces.OwnedCollection {
		for _, d := range docs {
			delete(d, FieldACL)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return docquery.RunPipeline(docs, pipeline)
}

func (s *Service) saveRun(ctx context.Context, run interfaces.QueryRun) error {
	doc, err := toDocument(run)
	if err != nil {
		return err
	}
	delete(doc, "_id")
	_, err = s.store.Update(ctx, runsCollection, interfaces.Filter{"_id": run.ID}, doc)
	return err
}

// QueryRun returns the current state of a run started by owner.
func (s *Service) QueryRun(ctx context.Context, owner interfaces.DID, id string) (*interfaces.QueryRun, error) {
	var run interfaces.QueryRun
	if err := s.findOne(ctx, runsCollection, id, &run); err != nil {
		return nil, err
	}
	if run.Owner != owner {
		return nil, fmt.Errorf("%w: run %s", interfaces.ErrNotFound, id)
	}
	return &run, nil
}
