package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ssb-archive/pkg/config"
	"ssb-archive/pkg/fetch"
	"ssb-archive/pkg/index"
	"ssb-archive/pkg/metrics"
	"ssb-archive/pkg/models"
	"ssb-archive/pkg/output"
	"ssb-archive/pkg/parse"
	"ssb-archive/pkg/queue"
	"ssb-archive/pkg/resolve"
	"ssb-archive/pkg/storage"
	"ssb-archive/pkg/transform"
	"ssb-archive/pkg/utils"
)

const (
	progressInterval = 30 * time.Second
	gcInterval       = 5 * time.Minute
)

// Skip reasons recorded in the store and in metrics
const (
	skipMaxDepth     = "max_depth"
	skipUnresolvable = "unresolvable"
	skipUnavailable  = "unavailable"
)

// Progress is a snapshot of a running crawl
type Progress struct {
	Claimed   int
	Queued    int
	Processed int64
}

// Crawler is the context of one archive run. Every run builds its own store,
// fetch cache and resolver memo, so nothing is shared between runs.
type Crawler struct {
	log     *logrus.Entry
	cfg     *config.AppConfig
	runID   string
	metrics *metrics.Metrics

	// Core components
	store    storage.VisitedStore
	pq       *queue.ThreadSafePriorityQueue
	origin   *fetch.Origin
	resolver *resolve.Resolver
	registry *transform.Registry
	writer   *output.Writer
	manifest *Manifest

	// Tracking and coordination
	wg               sync.WaitGroup // Queued plus in-flight tasks
	workers          sync.WaitGroup
	processedCounter atomic.Int64
	startTime        time.Time

	deadMu sync.Mutex
	dead   map[string]bool // Public URLs whose content fetch failed
}

// New builds the crawl context for cfg, which must already be validated.
// m may be nil. The caller must Close the crawler.
func New(ctx context.Context, cfg *config.AppConfig, baseLogger *logrus.Entry, m *metrics.Metrics) (*Crawler, error) {
	runID := uuid.NewString()
	logger := baseLogger.WithField("run_id", runID)

	originURL, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: host '%s': %w", utils.ErrConfigValidation, cfg.Host, err)
	}

	client := fetch.NewClient(cfg.HTTPClientSettings, originURL, logger)
	fetcher := fetch.NewFetcher(client, cfg, logger)
	limiter := fetch.NewRateLimiter(cfg.RequestsPerSecond, logger)
	origin, err := fetch.NewOrigin(cfg, fetcher, limiter, m, logger)
	if err != nil {
		return nil, err
	}

	var robots resolve.RobotsChecker
	if cfg.RespectRobots {
		robots = fetch.NewRobotsPolicy(fetcher, origin.Base(), cfg.UserAgent, cfg.MaxBodyBytes, logger)
	}
	resolver, err := resolve.New(cfg, origin, robots, logger)
	if err != nil {
		return nil, err
	}

	c := &Crawler{
		log:      logger,
		cfg:      cfg,
		runID:    runID,
		metrics:  m,
		pq:       queue.NewThreadSafePriorityQueue(logger),
		origin:   origin,
		resolver: resolver,
		writer:   output.NewWriter(cfg.OutDir),
		dead:     make(map[string]bool),
	}

	priorityPaths := make([]string, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		priorityPaths = append(priorityPaths, parse.MustParseRef(resolve.ProfilePath(seed)).Path)
	}
	c.registry = transform.NewRegistry()
	c.registry.Register(models.KindHTML, transform.NewHTMLTransformer(transform.HTMLOptionsFromConfig(cfg, priorityPaths), resolver, c, logger))
	c.registry.Register(models.KindCSS, transform.NewCSSTransformer(resolver, logger))

	store, err := storage.NewBadgerStore(ctx, cfg.StateDir, originURL.Host, logger)
	if err != nil {
		return nil, err
	}
	c.store = store

	logger.WithFields(logrus.Fields{
		"origin":    origin.Base(),
		"out_dir":   cfg.OutDir,
		"seeds":     len(cfg.Seeds),
		"max_depth": cfg.MaxDepth,
	}).Info("Crawler initialized")
	return c, nil
}

// RunID identifies this run in logs and in the manifest
func (c *Crawler) RunID() string {
	return c.runID
}

// IsClaimed implements transform.ClaimChecker
func (c *Crawler) IsClaimed(key string) bool {
	status, _, err := c.store.CheckStatus(key)
	return err == nil && status != models.PageStatusNotFound
}

// GetProgress returns the current counters of the run
func (c *Crawler) GetProgress() Progress {
	claimed, _ := c.store.GetVisitedCount()
	return Progress{
		Claimed:   claimed,
		Queued:    c.pq.Len(),
		Processed: c.processedCounter.Load(),
	}
}

// Close releases the visited store
func (c *Crawler) Close() error {
	return c.store.Close()
}

// Run crawls from the seed profiles until no task is left or ctx is done, then writes
// the index, fallback page and manifest. It returns ctx.Err().
func (c *Crawler) Run(ctx context.Context) error {
	c.startTime = time.Now()
	c.manifest = NewManifest(c.log, c.runID, c.origin.Base(), c.cfg.Seeds, c.startTime)
	runLog := c.log.WithField("origin", c.origin.Base())
	runLog.Info("Starting crawl")

	gcCtx, stopGC := context.WithCancel(ctx)
	defer stopGC()
	go c.store.RunGC(gcCtx, gcInterval)

	// --- Seed the queue before any worker can observe an empty WaitGroup ---
	seeded := 0
	for _, seed := range c.cfg.Seeds {
		ref, err := c.resolver.Canonicalize(ctx, resolve.ProfilePath(seed))
		if err != nil {
			runLog.WithField("seed", seed).Errorf("Seed profile cannot be crawled: %v", err)
			continue
		}
		if c.enqueue(models.WorkItem{Ref: ref.Key(), Depth: 0, Role: models.RoleLink}, runLog) {
			runLog.Infof("Added seed '%s' to queue (depth 0)", ref.Key())
			seeded++
		}
	}
	if seeded == 0 {
		runLog.Error("No seed could be queued, the archive will only hold the index")
	}

	runLog.Infof("Starting %d workers...", c.cfg.NumWorkers)
	for i := 1; i <= c.cfg.NumWorkers; i++ {
		c.workers.Add(1)
		go c.worker(ctx, c.log.WithField("worker_id", i))
	}

	// --- Waiter: closes the queue once every task is done or ctx ends ---
	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)

		progTicker := time.NewTicker(progressInterval)
		progDone := make(chan struct{})
		defer func() {
			progTicker.Stop()
			close(progDone)
		}()
		go func() {
			for {
				select {
				case <-progDone:
					return
				case <-ctx.Done():
					return
				case <-progTicker.C:
					p := c.GetProgress()
					runLog.WithFields(logrus.Fields{
						"claimed":         p.Claimed,
						"queue_len":       p.Queued,
						"processed_tasks": p.Processed,
					}).Info("Crawl Progress")
				}
			}
		}()

		waitTasksDone := make(chan struct{})
		go func() { c.wg.Wait(); close(waitTasksDone) }()
		select {
		case <-waitTasksDone:
			runLog.Info("Waiter: all tasks done")
		case <-ctx.Done():
			runLog.Warnf("Waiter: context done (%v) while tasks remain, shutting down", ctx.Err())
		}
		c.pq.Close()
	}()

	<-waiterDone
	c.workers.Wait()

	c.finish(ctx, runLog)
	return ctx.Err()
}

// finish writes the run-level files. Failures are logged; the mirrored documents stay in place.
func (c *Crawler) finish(ctx context.Context, runLog *logrus.Entry) {
	// Run-level files are written after a cancelled run too
	finishCtx := context.WithoutCancel(ctx)

	counts, err := c.store.CountByStatus()
	if err != nil {
		runLog.Warnf("Could not count task outcomes: %v", err)
	}
	c.manifest.Finish(time.Now(), counts[models.PageStatusFailure])
	unfinished := 0
	for status, n := range counts {
		if !status.IsTerminal() {
			unfinished += n
		}
	}
	if unfinished > 0 {
		runLog.Warnf("%d claimed references were never processed", unfinished)
	}
	c.repointDeadLinks(runLog)

	if config.GetEffectiveWriteIndex(*c.cfg) {
		if err := index.Write(c.writer, c.indexPage(finishCtx), c.resolver.Fallback()); err != nil {
			runLog.Errorf("Failed to write index pages: %v", err)
		}
	}
	if err := c.manifest.WriteYAML(c.writer, c.cfg.ManifestFilename); err != nil {
		runLog.Errorf("Failed to write manifest: %v", err)
	}
	if c.cfg.VisitedLogFilename != "" {
		if logPath, err := c.writer.Path(c.cfg.VisitedLogFilename); err != nil {
			runLog.Errorf("Invalid visited log name: %v", err)
		} else if err := c.store.WriteVisitedLog(logPath); err != nil {
			runLog.Errorf("Failed to write visited log: %v", err)
		}
	}

	claimed, _ := c.store.GetVisitedCount()
	summaryLog := c.log.WithField("origin", c.origin.Base())
	summaryLog.Info("========================================================================")
	summaryLog.Info("CRAWL FINISHED")
	summaryLog.Infof("Duration:         %v", time.Since(c.startTime))
	summaryLog.Infof("Final Stats: Claimed: %d, Processed Tasks: %d, Saved: %d, Failed: %d, Skipped: %d",
		claimed, c.processedCounter.Load(), c.manifest.PagesSaved(),
		counts[models.PageStatusFailure], counts[models.PageStatusSkipped])
	summaryLog.Info("========================================================================")
}

func (c *Crawler) markDead(publicURL string) {
	c.deadMu.Lock()
	defer c.deadMu.Unlock()
	c.dead[publicURL] = true
}

// repointDeadLinks points links at the fallback route in documents that were written
// before the content fetch of their target failed
func (c *Crawler) repointDeadLinks(runLog *logrus.Entry) {
	c.deadMu.Lock()
	dead := make(map[string]bool, len(c.dead))
	for u := range c.dead {
		dead[u] = true
	}
	c.deadMu.Unlock()
	if len(dead) == 0 {
		return
	}

	fallback := c.resolver.Fallback()
	rewritten := 0
	for _, page := range c.manifest.Metadata().Pages {
		if page.Kind != models.KindHTML && page.Kind != models.KindCSS {
			continue
		}
		pageLog := runLog.WithField("local_path", page.LocalFilePath)
		path, err := c.writer.Path(page.LocalFilePath)
		if err != nil {
			pageLog.Warnf("Cannot repoint links: %v", err)
			continue
		}
		body, err := os.ReadFile(path)
		if err != nil {
			pageLog.Warnf("Cannot reread document: %v", err)
			continue
		}
		content, n, err := transform.Repoint(page.Kind, body, dead, fallback)
		if err != nil {
			pageLog.Warnf("Cannot repoint links: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		if err := c.writer.Write(page.LocalFilePath, content); err != nil {
			pageLog.Errorf("Failed to rewrite document: %v", err)
			continue
		}
		page.Bytes = len(content)
		page.ContentHash = utils.ContentHash(content)
		c.manifest.Record(page)
		if _, entry, err := c.store.CheckStatus(page.Reference); err == nil && entry != nil {
			entry.ContentHash = page.ContentHash
			if err := c.store.UpdateStatus(page.Reference, entry); err != nil {
				pageLog.Warnf("Failed to update stored hash: %v", err)
			}
		}
		pageLog.Debugf("Pointed %d links at %s", n, fallback)
		rewritten++
	}
	runLog.Infof("Repointed links to %d failed references in %d documents", len(dead), rewritten)
}

// indexPage lists every seed, pointing at its mirrored profile or at the fallback route
func (c *Crawler) indexPage(ctx context.Context) index.Page {
	page := index.Page{Origin: c.origin.Base(), GeneratedAt: time.Now()}
	for _, seed := range c.cfg.Seeds {
		entry := index.Entry{Identity: seed, PublicURL: c.resolver.Fallback()}
		ref, err := c.resolver.Canonicalize(ctx, resolve.ProfilePath(seed))
		if err == nil {
			if meta, ok := c.manifest.Lookup(ref.Key()); ok {
				entry.PublicURL = meta.PublicURL
				entry.Title = meta.Title
			}
		}
		page.Entries = append(page.Entries, entry)
	}
	return page
}

// enqueue claims item.Ref and queues it. It returns false when the reference was already claimed.
func (c *Crawler) enqueue(item models.WorkItem, taskLog *logrus.Entry) bool {
	added, err := c.store.MarkVisited(item.Ref)
	if err != nil {
		taskLog.WithField("child", item.Ref).Warnf("Could not claim reference: %v", err)
		return false
	}
	if !added {
		return false
	}
	c.wg.Add(1)
	c.pq.Add(&item)
	c.metrics.SetQueueDepth(c.pq.Len())
	return true
}

// worker processes tasks from the queue until it is closed and drained or ctx is done
func (c *Crawler) worker(ctx context.Context, workerLog *logrus.Entry) {
	defer c.workers.Done()
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		select {
		case <-ctx.Done():
			workerLog.Debugf("Worker shutting down due to context cancellation: %v", ctx.Err())
			return
		default:
		}

		item, ok := c.pq.Pop()
		if !ok {
			return
		}
		c.processTask(ctx, *item, workerLog)
	}
}

// isBeyondDepth reports whether the depth limit drops item before it is fetched
func (c *Crawler) isBeyondDepth(item models.WorkItem) bool {
	if item.Priority {
		return false
	}
	if item.Role == models.RoleLink && item.Depth >= c.cfg.MaxDepth {
		return true
	}
	return item.Depth > c.cfg.MaxDepth
}

// processTask runs one task end to end: resolve, fetch, transform, enqueue children, write.
func (c *Crawler) processTask(ctx context.Context, item models.WorkItem, workerLog *logrus.Entry) {
	taskLog := workerLog.WithFields(logrus.Fields{"ref": item.Ref, "depth": item.Depth})
	startTime := time.Now()

	var (
		taskErr     error
		skipReason  string
		target      *models.Target
		title       string
		contentHash string
		written     int
	)

	defer func() {
		panicked := false
		if r := recover(); r != nil {
			panicked = true
			skipReason = ""
			taskErr = fmt.Errorf("panic: %v", r)
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"duration":    time.Since(startTime).String(),
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in processTask")
		}

		now := time.Now()
		entry := &models.PageDBEntry{LastAttempt: now, Depth: item.Depth}
		if target != nil {
			entry.Kind = target.Kind
			entry.LocalPath = target.LocalPath
		}
		logFields := logrus.Fields{"duration": time.Since(startTime).String()}

		switch {
		case taskErr != nil:
			entry.Status = models.PageStatusFailure
			entry.ErrorType = utils.CategorizeError(taskErr)
			logFields["category"] = entry.ErrorType
			c.metrics.TaskFailed(entry.ErrorType)
			if !panicked {
				taskLog.WithFields(logFields).Warnf("Task failed: %v", taskErr)
			}
		case skipReason != "":
			entry.Status = models.PageStatusSkipped
			entry.ErrorType = skipReason
			c.metrics.TaskSkipped(skipReason)
			taskLog.WithFields(logFields).Debugf("Task skipped (%s)", skipReason)
		default:
			entry.Status = models.PageStatusSuccess
			entry.ProcessedAt = now
			entry.ContentHash = contentHash
			logFields["local_path"] = target.LocalPath
			if title != "" {
				logFields["page_title"] = title
			}
			c.metrics.TaskProcessed(string(target.Kind))
			taskLog.WithFields(logFields).Info("Task completed successfully")
		}

		if err := c.store.UpdateStatus(item.Ref, entry); err != nil {
			taskLog.Errorf("Failed to record status '%s': %v", entry.Status, err)
		}
		if entry.Status == models.PageStatusSuccess {
			c.manifest.Record(models.PageMetadata{
				Reference:     item.Ref,
				NormalizedRef: target.Key,
				PublicURL:     target.PublicURL,
				LocalFilePath: target.LocalPath,
				Kind:          target.Kind,
				Title:         title,
				Depth:         item.Depth,
				Bytes:         written,
				ProcessedAt:   now,
				ContentHash:   contentHash,
			})
		}
		c.processedCounter.Add(1)
		c.metrics.SetQueueDepth(c.pq.Len())
		c.wg.Done()
	}()

	// 1. Depth policy
	if c.isBeyondDepth(item) {
		skipReason = skipMaxDepth
		return
	}

	// 2. Resolve
	ref, err := parse.ParseRef(item.Ref)
	if err != nil {
		skipReason = skipUnresolvable
		return
	}
	target, err = c.resolver.ResolveRef(ctx, ref)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		taskErr = err
		return
	case errors.Is(err, utils.ErrUnresolvable):
		skipReason = skipUnresolvable
		return
	case errors.Is(err, utils.ErrUnavailable):
		skipReason = skipUnavailable
		return
	default:
		taskErr = err
		return
	}
	taskLog = taskLog.WithField("kind", target.Kind)

	// 3. Fetch, cache checked
	resp, err := c.origin.Fetch(ctx, ref)
	if err != nil {
		if ctx.Err() == nil {
			c.resolver.MarkUnavailable(target.Key)
			c.markDead(target.PublicURL)
		}
		taskErr = err
		return
	}

	// 4. Transform
	result, err := c.registry.For(target.Kind).Transform(ctx, &transform.Document{
		Ref:      ref,
		Depth:    item.Depth,
		Priority: item.Priority,
		Body:     resp.Body,
	})
	if err != nil {
		taskErr = err
		return
	}
	title = result.Title

	// 5. Enqueue children not yet claimed
	queued := 0
	for _, child := range result.Children {
		if c.enqueue(child, taskLog) {
			queued++
		}
	}
	if queued > 0 {
		taskLog.Debugf("Queued %d of %d children", queued, len(result.Children))
	}

	// 6. Write
	if err := c.writer.Write(target.LocalPath, result.Content); err != nil {
		taskErr = err
		return
	}
	written = len(result.Content)
	contentHash = utils.ContentHash(result.Content)
	c.metrics.AddBytesWritten(written)
}
