package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"slackpush/internal/buildbot"
	"slackpush/internal/eventbus"
	"slackpush/internal/slack"
	"slackpush/internal/storage"
	logx "slackpush/pkg/logx"
)

// Deps are the collaborators a Reporter uses. Only Poster is required;
// everything else may be left nil.
type Deps struct {
	Poster Poster
	Users  buildbot.UsersFetcher
	Extra  slack.ExtraParamsFunc
	Pool   *Pool
	Bus    eventbus.Bus
	Store  storage.Store
	Log    logx.Logger
}

// Reporter relays build lifecycle events to one webhook endpoint.
//
// Configure may be called at any time, also while deliveries are running;
// each delivery works on the configuration that was current when it began.
type Reporter struct {
	name   string
	log    logx.Logger
	fmt    *slack.Formatter
	poster Poster
	pool   *Pool
	bus    eventbus.Bus
	store  storage.Store

	snap     atomic.Pointer[snapshot]
	warnings atomic.Pointer[[]ConfigWarning]

	queued, sent, rejected, failed, dropped, invalid atomic.Uint64
}

func New(name string, d Deps) *Reporter {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("reporter", name))
	if d.Poster == nil {
		d.Poster = &HTTPPoster{}
	}
	return &Reporter{
		name:   name,
		log:    log,
		fmt:    &slack.Formatter{Users: d.Users, Extra: d.Extra, Log: log},
		poster: d.Poster,
		pool:   d.Pool,
		bus:    d.Bus,
		store:  d.Store,
	}
}

func (r *Reporter) Name() string { return r.name }

// Configure validates and installs opts. A missing endpoint is the only
// fatal problem; it leaves the previous configuration in place. Everything
// else is logged as a ConfigurationWarning and accepted.
func (r *Reporter) Configure(opts Options) error {
	return r.configure(opts, nil)
}

// ConfigureMap parses a raw option map, as found in the config file, and
// configures the reporter with it. Parse warnings are logged and kept
// together with the ones Configure produces.
func (r *Reporter) ConfigureMap(raw map[string]any) error {
	opts, warns, err := ParseOptions(raw)
	if err != nil {
		r.log.Error("reporter configuration rejected", logx.String("kind", KindConfigurationWarning), logx.Err(err))
		return err
	}
	return r.configure(opts, warns)
}

func (r *Reporter) configure(opts Options, parsed []ConfigWarning) error {
	snap, warns, err := resolve(opts)
	if err != nil {
		r.log.Error("reporter configuration rejected", logx.String("kind", KindConfigurationWarning), logx.Err(err))
		return err
	}
	warns = append(parsed, warns...)
	for _, w := range warns {
		r.log.Warn(w.Msg, logx.String("kind", KindConfigurationWarning), logx.String("option", w.Field))
	}
	r.warnings.Store(&warns)
	prev := r.snap.Swap(snap)
	if prev == nil {
		r.log.Info("reporter configured", logx.String("endpoint", snap.displayedURL), logx.Bool("attachments", snap.format.IncludeAttachments))
	} else {
		r.log.Debug("reporter reconfigured", logx.String("endpoint", snap.displayedURL))
	}
	return nil
}

// Configured reports whether Configure has succeeded at least once.
func (r *Reporter) Configured() bool { return r.snap.Load() != nil }

// LastWarnings returns the warnings produced by the last successful Configure.
func (r *Reporter) LastWarnings() []ConfigWarning {
	p := r.warnings.Load()
	if p == nil {
		return nil
	}
	return append([]ConfigWarning(nil), (*p)...)
}

func (r *Reporter) Stats() Stats {
	return Stats{
		Queued:   r.queued.Load(),
		Sent:     r.sent.Load(),
		Rejected: r.rejected.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
		Invalid:  r.invalid.Load(),
	}
}

// OnBuildStarted queues a "build started" notification. It never blocks.
func (r *Reporter) OnBuildStarted(key buildbot.EventKey, rep buildbot.Report) {
	rep.Event = buildbot.EventStarted
	rep.Key = key
	r.enqueue(rep)
}

// OnBuildFinished queues a "build finished" notification. It never blocks.
func (r *Reporter) OnBuildFinished(key buildbot.EventKey, rep buildbot.Report) {
	rep.Event = buildbot.EventFinished
	rep.Key = key
	r.enqueue(rep)
}

func (r *Reporter) enqueue(rep buildbot.Report) {
	if r.pool == nil {
		r.queued.Add(1)
		go r.Dispatch(context.Background(), rep)
		return
	}
	if err := r.pool.submit(r, rep); err != nil {
		r.dropped.Add(1)
		r.log.Warn("build event dropped", logx.String("key", rep.Key.String()), logx.Err(err))
		r.publish(eventbus.DeliveryDropped, rep, buildbot.SourceStamp{}, 0, err)
		return
	}
	r.queued.Add(1)
}

// Render formats rep with the current configuration without posting it.
func (r *Reporter) Render(ctx context.Context, rep buildbot.Report) ([]byte, error) {
	snap := r.snap.Load()
	if snap == nil {
		return nil, ErrNotConfigured
	}
	p, err := r.fmt.Format(ctx, rep, snap.format)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Dispatch formats rep and posts it. Every failure is logged and recorded;
// nothing is returned or retried.
func (r *Reporter) Dispatch(ctx context.Context, rep buildbot.Report) {
	if ctx == nil {
		ctx = context.Background()
	}
	snap := r.snap.Load()
	if snap == nil {
		r.log.Warn("dropping build event", logx.String("key", rep.Key.String()), logx.Err(ErrNotConfigured))
		return
	}

	payload, err := r.fmt.Format(ctx, rep, snap.format)
	if err != nil {
		r.invalid.Add(1)
		r.log.Error("cannot format build report", logx.String("kind", KindInvalidReport), logx.String("key", rep.Key.String()), logx.Err(err))
		if errors.Is(err, slack.ErrInvalidReport) {
			r.publish(eventbus.ReportInvalid, rep, buildbot.SourceStamp{}, 0, err)
		}
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		r.invalid.Add(1)
		r.log.Error("cannot encode payload", logx.String("kind", KindInvalidReport), logx.Err(err))
		return
	}

	b := rep.Builds[0]
	var (
		first  buildbot.SourceStamp
		haveRv bool
	)
	for _, ss := range b.SourceStamps {
		if ss.Revision == "" {
			r.log.Info("no specific revision, skipping source stamp", logx.Int64("build_id", b.ID), logx.String("repository", ss.Repository))
			continue
		}
		if snap.perStamp {
			r.post(ctx, snap, rep, ss, body)
			continue
		}
		if !haveRv {
			first, haveRv = ss, true
		}
	}
	if !snap.perStamp {
		r.post(ctx, snap, rep, first, body)
	}
}

func (r *Reporter) post(ctx context.Context, snap *snapshot, rep buildbot.Report, ss buildbot.SourceStamp, body []byte) {
	if snap.verbose {
		r.log.Info("posting", logx.String("url", snap.endpoint))
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, snap.timeout)
	resp, err := r.poster.PostJSON(cctx, snap.endpoint, body)
	cancel()
	took := time.Since(start)

	rec := storage.DeliveryRecord{
		At:         start,
		Reporter:   r.name,
		Event:      string(rep.Event),
		BuildID:    rep.Builds[0].ID,
		Builder:    rep.Builds[0].BuilderName,
		Repository: ss.Repository,
		Revision:   ss.Revision,
		URL:        snap.displayedURL,
		StatusCode: resp.StatusCode,
		TookMS:     took.Milliseconds(),
	}

	var evType string
	switch {
	case err != nil:
		r.failed.Add(1)
		err = fmt.Errorf("%w: %v", ErrTransportFailure, err)
		r.log.Error("failed to send status",
			logx.String("kind", KindTransportFailure),
			logx.String("repository", ss.Repository),
			logx.String("revision", ss.Revision),
			logx.Err(err))
		rec.Outcome, evType = storage.OutcomeFailed, eventbus.DeliveryFailed
	case resp.StatusCode != 200:
		r.rejected.Add(1)
		content := strings.TrimSpace(string(resp.Body))
		err = fmt.Errorf("%w: status %d", ErrDeliveryRejected, resp.StatusCode)
		r.log.Error("unable to upload status",
			logx.String("kind", KindDeliveryRejected),
			logx.Int("code", resp.StatusCode),
			logx.String("body", content))
		rec.Outcome, evType = storage.OutcomeRejected, eventbus.DeliveryRejected
	default:
		r.sent.Add(1)
		r.log.Debug("status delivered", logx.Int64("build_id", rec.BuildID), logx.Duration("took", took))
		rec.Outcome, evType = storage.OutcomeSent, eventbus.DeliverySent
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if r.store != nil {
		// Record even when ctx was canceled mid-post.
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		if serr := r.store.AppendDelivery(sctx, rec); serr != nil {
			r.log.Debug("delivery record not stored", logx.Err(serr))
		}
		scancel()
	}
	r.publish(evType, rep, ss, resp.StatusCode, err)
}

func (r *Reporter) publish(typ string, rep buildbot.Report, ss buildbot.SourceStamp, code int, err error) {
	if r.bus == nil {
		return
	}
	ev := DeliveryEvent{Reporter: r.name, Event: string(rep.Event), Revision: ss.Revision, StatusCode: code, At: time.Now()}
	if len(rep.Builds) > 0 {
		ev.BuildID = rep.Builds[0].ID
	}
	if err != nil {
		ev.Error = err.Error()
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
