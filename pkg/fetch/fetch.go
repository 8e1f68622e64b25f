package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unnamed777/bx24wrapper/pkg/client"
	"github.com/unnamed777/bx24wrapper/pkg/logging"
)

// Caller is the part of the REST client the aggregator needs.
// It is implemented by *client.Client.
type Caller interface {
	CallMethod(ctx context.Context, method string, params client.Params) (*client.Response, error)
	CallBatch(ctx context.Context, cmds []client.Command, haltOnError bool) (*client.BatchResponse, error)
}

// Options adjust how results are aggregated.
type Options struct {
	// Getter names the result subkey holding the record list for
	// methods that nest it, e.g. "tasks" for tasks.task.list.
	Getter string

	// Limit caps the number of records FetchAll and FastFetchAll
	// aggregate. Zero means no cap. The portal knows no limit
	// parameter, so the cap is applied client-side after the round
	// that reaches it.
	Limit int

	// PrimaryKey is the record field keyset pagination advances on
	// (default: DefaultPrimaryKey).
	PrimaryKey string

	// FilterKey overrides the detected name of the filter parameter.
	FilterKey string
}

// Result is an aggregated record set.
type Result struct {
	// Items holds the raw records in portal order.
	Items []json.RawMessage

	// Total is the record count announced by the portal for offset
	// pagination, or the number of aggregated records for keyset
	// pagination.
	Total int
}

// Decode unmarshals every record of a result into a typed slice.
func Decode[T any](res *Result) ([]T, error) {
	out := make([]T, 0, len(res.Items))
	for i, raw := range res.Items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Fetcher aggregates multi-page results.
type Fetcher struct {
	caller Caller
	logger zerolog.Logger
}

// New creates a fetcher on top of the given client.
func New(caller Caller) *Fetcher {
	return &Fetcher{
		caller: caller,
		logger: logging.NewLogger("bx24-fetch"),
	}
}

// Fetch performs a single list call and shapes the result. The portal
// returns at most client.PageSize records per call; use FetchAll or
// FastFetchAll to drain the full dataset.
func (f *Fetcher) Fetch(ctx context.Context, method string, params client.Params, opts Options) (*Result, error) {
	resp, err := f.caller.CallMethod(ctx, method, params)
	if err != nil {
		return nil, f.abort(method, "fetch", err)
	}
	items, err := extractItems(resp, opts.Getter)
	if err != nil {
		return nil, f.abort(method, "fetch", err)
	}
	return &Result{Items: items, Total: resp.Total}, nil
}

// FetchAll drains a list method through offset pagination.
//
// The first call returns the leading page and the record total. Every
// remaining page becomes one command at offset page*client.PageSize;
// the commands are submitted in chunks of client.MaxBatchCommands,
// each chunk a single batch round-trip, awaited in order. Any failed
// call or failed command aborts the whole aggregation.
func (f *Fetcher) FetchAll(ctx context.Context, method string, params client.Params, opts Options) (*Result, error) {
	params = params.Clone()

	first, err := f.caller.CallMethod(ctx, method, params)
	if err != nil {
		return nil, f.abort(method, "fetchall", err)
	}
	items, err := extractItems(first, opts.Getter)
	if err != nil {
		return nil, f.abort(method, "fetchall", err)
	}

	total := first.Total
	if !first.More() {
		return &Result{Items: truncate(items, opts.Limit), Total: total}, nil
	}

	target := total
	if opts.Limit > 0 && opts.Limit < target {
		target = opts.Limit
	}

	pages := pagesFor(target)
	cmds := make([]client.Command, 0, max(pages-1, 0))
	for page := 1; page < pages; page++ {
		pageParams := params.Clone()
		pageParams["start"] = page * client.PageSize
		cmds = append(cmds, client.Command{Method: method, Params: pageParams})
	}

	f.logger.Debug().
		Str("method", method).
		Int("total", total).
		Int("pages", pages).
		Msg("draining offset pagination")

	for start := 0; start < len(cmds); start += client.MaxBatchCommands {
		end := min(start+client.MaxBatchCommands, len(cmds))

		batch, err := f.caller.CallBatch(ctx, cmds[start:end], true)
		if err != nil {
			return nil, f.abort(method, "fetchall", err)
		}
		if err := batch.FirstErr(); err != nil {
			return nil, f.abort(method, "fetchall", err)
		}

		for i := 0; i < batch.Len(); i++ {
			pageItems, err := extractItems(batch.At(i), opts.Getter)
			if err != nil {
				return nil, f.abort(method, "fetchall", err)
			}
			items = append(items, pageItems...)
		}

		if opts.Limit > 0 && len(items) >= opts.Limit {
			break
		}
	}

	return &Result{Items: truncate(items, opts.Limit), Total: total}, nil
}

// abort logs and wraps a failure on an aggregation path. Partial
// results are never returned alongside.
func (f *Fetcher) abort(method, op string, err error) error {
	f.logger.Error().Err(err).Str("method", method).Str("op", op).Msg("aggregation aborted")
	return fmt.Errorf("%s %s: %w", op, method, err)
}

func extractItems(resp *client.Response, getter string) ([]json.RawMessage, error) {
	if getter != "" {
		return resp.ItemsAt(getter)
	}
	return resp.Items()
}

// truncate applies the client-side record cap.
func truncate(items []json.RawMessage, limit int) []json.RawMessage {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// pagesFor returns how many pages cover n records.
func pagesFor(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + client.PageSize - 1) / client.PageSize
}
