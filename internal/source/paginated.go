// Package source implements the paginated source (C6): it drives a
// cursor-paginated listFn through the rate-limit controller and yields
// results in API order, bounded by an internal memory cap.
package source

import (
	"context"
	"time"

	"github.com/relaydocs/spacesync/internal/retry"
	"github.com/relaydocs/spacesync/models"
)

// Page is one page of results from ListFunc.
type Page struct {
	Results    []models.ExportItem
	NextCursor string
	Headers    map[string]string
}

// Args is the opaque argument map a caller supplies; the source
// augments a copy of it with startCursor and pageSize before each call.
type Args map[string]any

// ListFunc fetches one page. Implementations must not raise on HTTP
// 429; they should return the headers (including retry-after) so the
// controller can compute a wait, and let the source's retry policy
// classify any transport-level error.
type ListFunc func(ctx context.Context, args Args) (Page, error)

// Controller is the subset of *ratelimit.Controller the source needs.
type Controller interface {
	Slot(ctx context.Context) error
	OnResponse(headers map[string]string, responseTimeMs int, wasError bool)
	OnError(severity models.ErrorSeverity)
	OnSuccess()
}

// Source streams items from a paginated, rate-limited listFn.
type Source struct {
	listFn         ListFunc
	controller     Controller
	args           Args
	pageSize       int
	maxMemoryItems int
	policy         retry.Policy
	classifier     retry.Classifier
}

// Config configures a Source.
type Config struct {
	Args           Args
	PageSize       int
	StartCursor    string
	MaxMemoryItems int
	Policy         retry.Policy
}

// New builds a Source. MaxMemoryItems defaults to 4x PageSize (at least
// 1) when unset.
func New(listFn ListFunc, controller Controller, cfg Config) *Source {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	maxMem := cfg.MaxMemoryItems
	if maxMem <= 0 {
		maxMem = pageSize * 4
	}
	args := Args{}
	for k, v := range cfg.Args {
		args[k] = v
	}
	if cfg.StartCursor != "" {
		args["startCursor"] = cfg.StartCursor
	}
	return &Source{
		listFn:         listFn,
		controller:     controller,
		args:           args,
		pageSize:       pageSize,
		maxMemoryItems: maxMem,
		policy:         cfg.Policy,
	}
}

// Stream pushes every item, across every page, onto out in API order,
// honoring ctx cancellation and the maxMemoryItems buffer cap (out is
// expected to be a buffered channel of at most maxMemoryItems; Stream
// blocks on send once it is full, which is how production yields before
// fetching the next page). Stream closes out and returns nil on
// exhaustion, ctx.Err() on cancellation, and otherwise the error that
// ended the stream.
func (s *Source) Stream(ctx context.Context, out chan<- models.ExportItem) error {
	defer close(out)

	cursor, _ := s.args["startCursor"].(string)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := s.fetchPage(ctx, cursor)
		if err != nil {
			return err
		}

		for _, item := range page.Results {
			select {
			case out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// fetchPage runs the C6 protocol for one page: slot, call, feed
// headers back, classify/retry transport errors via C10.
func (s *Source) fetchPage(ctx context.Context, cursor string) (Page, error) {
	callArgs := Args{}
	for k, v := range s.args {
		callArgs[k] = v
	}
	callArgs["startCursor"] = cursor
	callArgs["pageSize"] = s.pageSize

	var page Page
	run := func(ctx context.Context) error {
		if err := s.controller.Slot(ctx); err != nil {
			return err
		}
		start := time.Now()
		p, err := s.listFn(ctx, callArgs)
		elapsedMs := int(time.Since(start).Milliseconds())

		if err != nil {
			s.controller.OnResponse(p.Headers, elapsedMs, true)
			return err
		}
		s.controller.OnResponse(p.Headers, elapsedMs, false)
		page = p
		return nil
	}

	onRetryAfter := func(err error) time.Duration {
		// The controller already folded retry-after into its own
		// wait-time formula via OnResponse/Slot; the retry policy
		// does not need a second, independent wait here.
		return 0
	}

	result := s.policy.Run(ctx, onRetryAfter, run)
	if result.Err != nil {
		s.controller.OnError(result.Classified.Severity)
		return Page{}, result.Err
	}
	s.controller.OnSuccess()
	return page, nil
}
