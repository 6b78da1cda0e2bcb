package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ruteri/secretvault/api/clients"
	"github.com/ruteri/secretvault/blindfold"
	"github.com/ruteri/secretvault/interfaces"
)

// CreateQuery saves q with the same _id on every node.
func (b *BuilderClient) CreateQuery(ctx context.Context, q interfaces.Query) (*interfaces.Query, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	created := make([]*interfaces.Query, b.cluster.Size())
	errs := b.cluster.Settle(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		c, err := n.CreateQuery(ctx, q)
		created[i] = c
		return err
	})
	if err := quorumError(errs); err != nil {
		b.rollback(errs, "query", q.ID, func(ctx context.Context, n *clients.NodeClient) error {
			return n.DeleteQuery(ctx, q.ID)
		})
		return nil, err
	}
	return created[0], nil
}

// ListQueries returns the queries saved on the first node.
func (b *BuilderClient) ListQueries(ctx context.Context) ([]interfaces.Query, error) {
	return b.cluster.nodes[0].ListQueries(ctx)
}

func (b *BuilderClient) DeleteQuery(ctx context.Context, id string) error {
	return quorumError(b.cluster.Settle(ctx, func(ctx context.Context, _ int, n *clients.NodeClient) error {
		return n.DeleteQuery(ctx, id)
	}))
}

// StartQuery starts a run of query id on every node and returns the run
// ids, indexed by node.
func (b *BuilderClient) StartQuery(ctx context.Context, id string, variables map[string]any) ([]string, error) {
	runs := make([]string, b.cluster.Size())
	err := b.cluster.All(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		run, err := n.RunQuery(ctx, id, variables)
		if err != nil {
			return err
		}
		runs[i] = run.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// QueryResults polls the runs until every node reports complete, then
// unifies the results. A run reporting an error fails the whole query.
func (b *BuilderClient) QueryResults(ctx context.Context, runIDs []string) ([]interfaces.Document, error) {
	if len(runIDs) != b.cluster.Size() {
		return nil, fmt.Errorf("%w: got %d run ids for %d nodes", interfaces.ErrInvalidRequest, len(runIDs), b.cluster.Size())
	}

	results := make([][]interfaces.Document, b.cluster.Size())
	err := b.cluster.All(ctx, func(ctx context.Context, i int, n *clients.NodeClient) error {
		run, err := b.pollRun(ctx, n, runIDs[i])
		if err != nil {
			return err
		}
		results[i] = run.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unifyRows(b.key, b.log, results)
}

// RunQuery starts a query on every node and waits for the unified result.
func (b *BuilderClient) RunQuery(ctx context.Context, id string, variables map[string]any) ([]interfaces.Document, error) {
	runs, err := b.StartQuery(ctx, id, variables)
	if err != nil {
		return nil, err
	}
	return b.QueryResults(ctx, runs)
}

var errRunPending = errors.New("query run pending")

func (b *BuilderClient) pollRun(ctx context.Context, n *clients.NodeClient, id string) (*interfaces.QueryRun, error) {
	intervals := b.PollIntervals
	if len(intervals) == 0 {
		intervals = DefaultPollIntervals
	}

	return backoff.RetryNotifyWithData(func() (*interfaces.QueryRun, error) {
		run, err := n.QueryRun(ctx, id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		switch run.Status {
		case interfaces.RunComplete:
			return run, nil
		case interfaces.RunError:
			return nil, backoff.Permanent(fmt.Errorf("query run %s failed: %v", id, run.Errors))
		}
		return nil, fmt.Errorf("%w: %s", errRunPending, run.Status)
	}, backoff.WithContext(&scheduleBackOff{intervals: intervals}, ctx), func(err error, wait time.Duration) {
		b.log.Debug("polling query run", slog.String("run", id), slog.Duration("wait", wait), "err", err)
	})
}

// scheduleBackOff waits the given intervals in order and repeats the last
// one forever.
type scheduleBackOff struct {
	intervals []time.Duration
	n         int
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	wait := s.intervals[min(s.n, len(s.intervals)-1)]
	s.n++
	return wait
}

func (s *scheduleBackOff) Reset() { s.n = 0 }

// unifyRows reduces query results. Rows are grouped by _id when every row
// carries one, otherwise by position.
func unifyRows(key *blindfold.Key, log *slog.Logger, results [][]interfaces.Document) ([]interfaces.Document, error) {
	byID := true
	for _, rows := range results {
		for _, row := range rows {
			if _, ok := recordKey(row); !ok {
				byID = false
			}
		}
	}

	r := newReducer(len(results))
	for i, rows := range results {
		for pos, row := range rows {
			k, _ := recordKey(row)
			if !byID {
				k = strconv.Itoa(pos)
			}
			r.add(i, k, row)
		}
	}
	return r.unify(key, log, "query")
}
