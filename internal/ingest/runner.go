package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/journey"
	mmetrics "bus-delay-predictor/internal/metrics"
	"bus-delay-predictor/internal/publisher"
	"bus-delay-predictor/internal/source"
	"bus-delay-predictor/internal/timenorm"
	"bus-delay-predictor/internal/transit"
)

var errNotStarted = errors.New("not started: run stopped early")

// JourneySource lists journeys for a service and fetches their detail.
type JourneySource interface {
	source.PageFetcher
	JourneysURL(serviceID int64) string
	FetchJourneyDetail(ctx context.Context, serviceID int64, journeyID string) (transit.JourneyDetail, error)
}

// EventSink receives ingestion events. *publisher.NATSPublisher satisfies it.
type EventSink interface {
	PublishBatch(ev publisher.BatchEvent) error
	PublishService(ev publisher.ServiceEvent) error
}

type Options struct {
	Window      source.DateWindow
	PageSize    int
	DetailDelay time.Duration
	Workers     int
	Batch       BatcherOptions
}

type ServiceReport struct {
	ServiceID        int64
	Pages            int
	JourneysListed   int
	JourneysIngested int
	JourneysSkipped  int
	Facts            int
	Inserted         int
	Updated          int
	Dropped          int
	Duration         time.Duration
	Err              error
}

type RunReport struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Services []ServiceReport
}

// Failed lists the services that ended with an error.
func (r RunReport) Failed() []ServiceReport {
	var out []ServiceReport
	for _, s := range r.Services {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

func (r RunReport) Totals() ServiceReport {
	var t ServiceReport
	for _, s := range r.Services {
		t.Pages += s.Pages
		t.JourneysListed += s.JourneysListed
		t.JourneysIngested += s.JourneysIngested
		t.JourneysSkipped += s.JourneysSkipped
		t.Facts += s.Facts
		t.Inserted += s.Inserted
		t.Updated += s.Updated
		t.Dropped += s.Dropped
	}
	return t
}

// Runner ingests the journey history of a list of services.
type Runner struct {
	src     JourneySource
	store   history.FactStore
	builder *journey.Builder
	opts    Options
	metrics *mmetrics.Collector
	events  EventSink

	mu    sync.Mutex
	runID string
}

func NewRunner(src JourneySource, store history.FactStore, builder *journey.Builder, opts Options, metrics *mmetrics.Collector, events EventSink) *Runner {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Runner{src: src, store: store, builder: builder, opts: opts, metrics: metrics, events: events}
}

// Run ingests each service in turn, or on Workers goroutines. A failing
// service does not stop its siblings; ErrTooManyWriteFailures and context
// cancellation stop the whole run.
func (r *Runner) Run(ctx context.Context, serviceIDs []int64) (RunReport, error) {
	report := RunReport{RunID: uuid.NewString(), Started: time.Now(), Services: make([]ServiceReport, len(serviceIDs))}
	for i, id := range serviceIDs {
		report.Services[i] = ServiceReport{ServiceID: id, Err: errNotStarted}
	}
	r.mu.Lock()
	r.runID = report.RunID
	r.mu.Unlock()
	log.Printf("ingest run %s: %d services, window %s..%s", report.RunID, len(serviceIDs), fmtDay(r.opts.Window.Start), fmtDay(r.opts.Window.End))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := min(r.opts.Workers, max(len(serviceIDs), 1))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := NewBatcher(r.store, r.batcherOptions())
			for i := range jobs {
				rep := r.runService(ctx, b, serviceIDs[i])
				report.Services[i] = rep
				if errors.Is(rep.Err, ErrTooManyWriteFailures) {
					cancel(rep.Err)
				}
			}
		}()
	}
	func() {
		defer close(jobs)
		for i := range serviceIDs {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	wg.Wait()
	report.Finished = time.Now()

	tot := report.Totals()
	log.Printf("ingest run %s finished in %s: %d journeys, %d facts, %d inserted, %d updated, %d dropped, %d failed services",
		report.RunID, report.Finished.Sub(report.Started).Round(time.Second), tot.JourneysIngested, tot.Facts, tot.Inserted, tot.Updated, tot.Dropped, len(report.Failed()))

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return report, cause
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) batcherOptions() BatcherOptions {
	opts := r.opts.Batch
	userHook := opts.OnBatch
	opts.OnBatch = func(res BatchResult) {
		r.observeBatch(res)
		if userHook != nil {
			userHook(res)
		}
	}
	return opts
}

func (r *Runner) runService(ctx context.Context, b *Batcher, serviceID int64) ServiceReport {
	start := time.Now()
	rep := ServiceReport{ServiceID: serviceID}
	b.SetService(serviceID)
	before := b.Totals()

	params := url.Values{"page_size": {strconv.Itoa(r.opts.PageSize)}}
	stats, err := source.Walk(ctx, r.src, r.src.JourneysURL(serviceID), params, func(j transit.JourneySummary) (source.Verdict, error) {
		day, err := r.builder.Norm.ServiceDate(j.Datetime)
		if err != nil {
			log.Printf("service %d: journey %s has unreadable datetime %q, skipping", serviceID, j.ID, j.Datetime)
			rep.JourneysSkipped++
			r.skipped("format")
			return source.Skip, nil
		}
		v := r.opts.Window.Verdict(day)
		if v != source.Keep {
			return v, nil
		}
		rep.JourneysListed++
		return source.Keep, r.ingestJourney(ctx, b, serviceID, j.ID.String(), &rep)
	})
	rep.Pages = stats.Pages
	if r.metrics != nil {
		r.metrics.PagesFetched.Add(float64(stats.Pages))
	}
	if err == nil {
		err = b.Flush(ctx)
	} else if !errors.Is(err, ErrTooManyWriteFailures) && ctx.Err() == nil {
		// Keep what was collected before the listing failed.
		if ferr := b.Flush(ctx); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}

	after := b.Totals()
	rep.Inserted = after.Inserted - before.Inserted
	rep.Updated = after.Updated - before.Updated
	rep.Dropped = after.Dropped - before.Dropped
	rep.Duration = time.Since(start)
	if err != nil {
		rep.Err = fmt.Errorf("service %d: %w", serviceID, err)
		log.Printf("service %d failed after %d pages: %v", serviceID, rep.Pages, err)
	} else {
		log.Printf("service %d: %d journeys, %d facts (%d inserted, %d updated) in %s",
			serviceID, rep.JourneysIngested, rep.Facts, rep.Inserted, rep.Updated, rep.Duration.Round(time.Millisecond))
	}
	r.observeService(rep)
	return rep
}

func (r *Runner) ingestJourney(ctx context.Context, b *Batcher, serviceID int64, journeyID string, rep *ServiceReport) error {
	if err := sleepCtx(ctx, r.opts.DetailDelay); err != nil {
		return err
	}
	detail, err := r.src.FetchJourneyDetail(ctx, serviceID, journeyID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ue *source.UpstreamFetchError
		if errors.As(err, &ue) {
			log.Printf("service %d: journey %s detail unavailable, skipping: %v", serviceID, journeyID, err)
			rep.JourneysSkipped++
			r.skipped("fetch")
			return nil
		}
		return err
	}
	facts, err := r.builder.Build(serviceID, journeyID, detail)
	if err != nil {
		reason := "format"
		if errors.Is(err, journey.ErrNoStops) {
			reason = "no_stops"
		}
		log.Printf("service %d: journey %s skipped: %v", serviceID, journeyID, err)
		rep.JourneysSkipped++
		r.skipped(reason)
		return nil
	}
	rep.JourneysIngested++
	rep.Facts += len(facts)
	if r.metrics != nil {
		r.metrics.JourneysIngested.Inc()
		r.metrics.FactsBuilt.Add(float64(len(facts)))
	}
	return b.Add(ctx, facts...)
}

func (r *Runner) skipped(reason string) {
	if r.metrics != nil {
		r.metrics.JourneysSkipped.WithLabelValues(reason).Inc()
	}
}

func (r *Runner) currentRunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

func (r *Runner) observeBatch(res BatchResult) {
	if r.metrics != nil {
		r.metrics.BatchDuration.Observe(res.Duration.Seconds())
		if res.Err != nil {
			r.metrics.Batches.WithLabelValues("failed").Inc()
			r.metrics.FactsDropped.Add(float64(res.Size))
		} else {
			r.metrics.Batches.WithLabelValues("ok").Inc()
			r.metrics.RecordsUpserted.WithLabelValues("inserted").Add(float64(res.Inserted))
			r.metrics.RecordsUpserted.WithLabelValues("updated").Add(float64(res.Updated))
		}
	}
	if r.events == nil {
		return
	}
	ev := publisher.BatchEvent{
		RunID:     r.currentRunID(),
		ServiceID: res.ServiceID,
		Batch:     res.Batch,
		Size:      res.Size,
		Inserted:  res.Inserted,
		Updated:   res.Updated,
		Timestamp: time.Now().UTC(),
	}
	if res.Err != nil {
		ev.Failed = true
		ev.Error = res.Err.Error()
	}
	if err := r.events.PublishBatch(ev); err != nil {
		log.Printf("publish batch event for service %d: %v", res.ServiceID, err)
	}
}

func (r *Runner) observeService(rep ServiceReport) {
	if r.metrics != nil {
		result := "ok"
		if rep.Err != nil {
			result = "failed"
		}
		r.metrics.ServicesFinished.WithLabelValues(result).Inc()
	}
	if r.events == nil {
		return
	}
	ev := publisher.ServiceEvent{
		RunID:            r.currentRunID(),
		ServiceID:        rep.ServiceID,
		Pages:            rep.Pages,
		JourneysIngested: rep.JourneysIngested,
		JourneysSkipped:  rep.JourneysSkipped,
		Facts:            rep.Facts,
		Inserted:         rep.Inserted,
		Updated:          rep.Updated,
		Dropped:          rep.Dropped,
		DurationMs:       rep.Duration.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
	if rep.Err != nil {
		ev.Error = rep.Err.Error()
	}
	if err := r.events.PublishService(ev); err != nil {
		log.Printf("publish service event for service %d: %v", rep.ServiceID, err)
	}
}

func fmtDay(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return timenorm.FormatDate(t)
}
