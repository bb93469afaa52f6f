// Package worker implements the three-stage crawl loop: discover codes from the
// site root, expand each pending code into product names, then archive each
// pending name's body and files.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/extract"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

// Outcome describes how a run ended.
type Outcome string

// Run outcomes reported by Worker.Run.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeCutoff    Outcome = "cutoff"
)

var errFetchAbsent = errors.New("page not fetched")

// Config controls Worker behavior.
type Config struct {
	BaseURL          string
	LinksSelector    string
	FileLinkSelector string
	// ArchiveLimit stops the run once this many bodies are archived. 0 disables it.
	ArchiveLimit int
}

// Deps groups the collaborators a Worker needs. Publisher, Emitter and
// Observer are optional.
type Deps struct {
	Store     crawler.Store
	Objects   crawler.ObjectStore
	Fetcher   crawler.Fetcher
	Extractor *extract.Extractor
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Emitter   progress.Emitter
	Observer  crawler.Observer
}

// Worker executes one crawl run at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	counters crawler.Counters
}

// New validates deps and cfg and constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Objects == nil:
		return nil, fmt.Errorf("object store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case cfg.BaseURL == "":
		return nil, fmt.Errorf("base url is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if cfg.LinksSelector == "" {
		cfg.LinksSelector = "a"
	}
	if cfg.FileLinkSelector == "" {
		cfg.FileLinkSelector = `a[href$=".pdf"], img`
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Counters returns the counters accumulated by the current or last run.
func (w *Worker) Counters() crawler.Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters
}

// Run executes the discovery, code and name stages in order. It returns early
// with OutcomeStopped when stop is requested or ctx ends between items, and
// with OutcomeCutoff once the archive limit is reached. An error means a
// pending snapshot could not be read.
func (w *Worker) Run(ctx context.Context, runID string, stop crawler.StopSignal) (Outcome, error) {
	w.mu.Lock()
	w.counters = crawler.Counters{}
	w.mu.Unlock()

	started := w.deps.Clock.Now()
	logger := w.logger.With(zap.String("run_id", runID))
	w.emit(progress.Event{RunID: runID, Stage: progress.StageRunStart, URL: w.cfg.BaseURL})
	logger.Info("crawl run started", zap.String("base_url", w.cfg.BaseURL))

	w.discover(ctx, runID, logger)

	outcome, err := w.processCodes(ctx, runID, stop, logger)
	if err == nil && outcome == OutcomeCompleted {
		outcome, err = w.processNames(ctx, runID, stop, logger)
	}
	if err != nil {
		return "", err
	}

	stage := progress.StageRunDone
	switch outcome {
	case OutcomeStopped:
		stage = progress.StageRunStopped
	case OutcomeCutoff:
		stage = progress.StageRunCutoff
	}
	dur := w.deps.Clock.Now().Sub(started)
	w.emit(progress.Event{RunID: runID, Stage: stage, Dur: dur})
	logger.Info("crawl run finished",
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", dur),
		zap.Any("counters", w.Counters()),
	)
	return outcome, nil
}

func (w *Worker) discover(ctx context.Context, runID string, logger *zap.Logger) {
	page, ok := w.deps.Fetcher.Fetch(ctx, w.cfg.BaseURL)
	if !ok {
		logger.Warn("site root not fetched; discovery is empty", zap.String("url", w.cfg.BaseURL))
		return
	}
	doc, err := extract.Parse(page.Body)
	if err != nil {
		logger.Warn("site root not parsed; discovery is empty", zap.String("url", w.cfg.BaseURL), zap.Error(err))
		return
	}
	links := w.deps.Extractor.ExtractCodes(doc, w.cfg.LinksSelector)
	saved := 0
	for _, link := range links {
		if err := w.deps.Store.SaveCode(ctx, link.Code, link.URL); err != nil {
			logger.Error("save code failed", zap.String("code", link.Code), zap.String("url", link.URL), zap.Error(err))
			continue
		}
		saved++
	}
	w.emit(progress.Event{RunID: runID, Stage: progress.StageDiscovered, URL: w.cfg.BaseURL, Count: saved})
	logger.Info("codes discovered", zap.Int("found", len(links)), zap.Int("saved", saved))
}

func (w *Worker) processCodes(
	ctx context.Context,
	runID string,
	stop crawler.StopSignal,
	logger *zap.Logger,
) (Outcome, error) {
	pending, err := w.deps.Store.PendingCodes(ctx)
	if err != nil {
		return "", fmt.Errorf("load pending codes: %w", err)
	}
	logger.Info("processing codes", zap.Int("pending", len(pending)))
	for _, code := range pending {
		if stopRequested(ctx, stop) {
			logger.Info("crawl stopped while processing codes")
			return OutcomeStopped, nil
		}
		w.processCode(ctx, runID, code, logger)
	}
	return OutcomeCompleted, nil
}

func (w *Worker) processCode(ctx context.Context, runID string, code crawler.Code, logger *zap.Logger) {
	started := w.deps.Clock.Now()
	url := crawler.AbsoluteURL(w.cfg.BaseURL, code.URL)
	found, err := w.expandCode(ctx, code, url)
	dur := w.deps.Clock.Now().Sub(started)
	if err != nil {
		logger.Error("code failed", zap.String("code", code.Code), zap.String("url", url), zap.Error(err))
		w.markCode(ctx, code, crawler.StatusError, logger)
		w.bump(func(c *crawler.Counters) { c.Errors++ })
		w.emit(progress.Event{
			RunID: runID, Stage: progress.StageCodeError, Item: code.Code, URL: url, Dur: dur, Note: err.Error(),
		})
		return
	}
	if err := w.markCode(ctx, code, crawler.StatusDone, logger); err != nil {
		w.bump(func(c *crawler.Counters) { c.Errors++ })
		return
	}
	w.bump(func(c *crawler.Counters) { c.CodesProcessed++ })
	w.emit(progress.Event{RunID: runID, Stage: progress.StageCodeDone, Item: code.Code, URL: url, Count: found, Dur: dur})
	logger.Debug("code done", zap.String("code", code.Code), zap.Int("names", found))
}

func (w *Worker) expandCode(ctx context.Context, code crawler.Code, url string) (int, error) {
	page, ok := w.deps.Fetcher.Fetch(ctx, url)
	if !ok {
		return 0, errFetchAbsent
	}
	doc, err := extract.Parse(page.Body)
	if err != nil {
		return 0, err
	}
	names := w.deps.Extractor.ExtractNames(doc, w.cfg.LinksSelector, code.Code)
	for _, name := range names {
		if err := w.deps.Store.SaveName(ctx, name.Code, name.Title, name.URL); err != nil {
			return 0, fmt.Errorf("save name %q: %w", name.Title, err)
		}
	}
	return len(names), nil
}

func (w *Worker) markCode(ctx context.Context, code crawler.Code, status crawler.Status, logger *zap.Logger) error {
	if err := w.deps.Store.UpdateCodeStatus(ctx, code.ID, status); err != nil {
		logger.Error("update code status failed",
			zap.String("code", code.Code), zap.Int64("id", code.ID), zap.String("status", string(status)), zap.Error(err))
		metrics.ObserveItem("code", "update_failed")
		return err
	}
	metrics.ObserveItem("code", string(status))
	return nil
}

func (w *Worker) processNames(
	ctx context.Context,
	runID string,
	stop crawler.StopSignal,
	logger *zap.Logger,
) (Outcome, error) {
	pending, err := w.deps.Store.PendingNames(ctx)
	if err != nil {
		return "", fmt.Errorf("load pending names: %w", err)
	}
	logger.Info("processing names", zap.Int("pending", len(pending)))
	for _, name := range pending {
		if stopRequested(ctx, stop) {
			logger.Info("crawl stopped while processing names")
			return OutcomeStopped, nil
		}
		if !w.processName(ctx, runID, name, logger) {
			continue
		}
		if w.cutoffReached(ctx, logger) {
			return OutcomeCutoff, nil
		}
	}
	return OutcomeCompleted, nil
}

// processName reports whether the name reached done.
func (w *Worker) processName(ctx context.Context, runID string, name crawler.Name, logger *zap.Logger) bool {
	started := w.deps.Clock.Now()
	url := crawler.AbsoluteURL(w.cfg.BaseURL, name.URL)
	fileIDs, err := w.archiveName(ctx, runID, name, url, logger)
	dur := w.deps.Clock.Now().Sub(started)
	if err != nil {
		logger.Error("name failed", zap.String("name", name.Name), zap.String("url", url), zap.Error(err))
		w.markName(ctx, name, crawler.StatusError, logger)
		w.bump(func(c *crawler.Counters) { c.Errors++ })
		w.emit(progress.Event{
			RunID: runID, Stage: progress.StageNameError, Item: name.Name, URL: url, Dur: dur, Note: err.Error(),
		})
		return false
	}
	if err := w.markName(ctx, name, crawler.StatusDone, logger); err != nil {
		w.bump(func(c *crawler.Counters) { c.Errors++ })
		return false
	}
	w.bump(func(c *crawler.Counters) { c.NamesProcessed++ })
	w.emit(progress.Event{
		RunID: runID, Stage: progress.StageNameDone, Item: name.Name, URL: url, Count: len(fileIDs), Dur: dur,
	})
	w.notify(ctx, runID, name, url, fileIDs, logger)
	return true
}

func (w *Worker) archiveName(
	ctx context.Context,
	runID string,
	name crawler.Name,
	url string,
	logger *zap.Logger,
) ([]string, error) {
	page, ok := w.deps.Fetcher.Fetch(ctx, url)
	if !ok {
		return nil, errFetchAbsent
	}
	doc, err := extract.Parse(page.Body)
	if err != nil {
		return nil, err
	}
	if body, ok := w.deps.Extractor.ExtractBody(doc); ok {
		if err := w.deps.Store.SaveRawContent(ctx, name.Name, body); err != nil {
			return nil, fmt.Errorf("save raw content: %w", err)
		}
	} else {
		logger.Warn("main content not found", zap.String("name", name.Name), zap.String("url", url))
	}

	pageURL := page.URL
	if pageURL == "" {
		pageURL = url
	}
	var fileIDs []string
	for _, href := range w.deps.Extractor.ExtractFileLinks(doc, w.cfg.FileLinkSelector) {
		fileURL, err := crawler.ResolveReference(pageURL, href)
		if err != nil {
			logger.Warn("skip unresolvable file link", zap.String("name", name.Name), zap.String("href", href), zap.Error(err))
			continue
		}
		id, err := w.downloadFile(ctx, runID, name.Name, fileURL, logger)
		if err != nil {
			logger.Error("file download failed", zap.String("name", name.Name), zap.String("url", fileURL), zap.Error(err))
			w.bump(func(c *crawler.Counters) { c.Errors++ })
			w.emit(progress.Event{
				RunID: runID, Stage: progress.StageFileError, Item: name.Name, URL: fileURL, Note: err.Error(),
			})
			continue
		}
		fileIDs = append(fileIDs, id)
	}
	return fileIDs, nil
}

// downloadFile uploads the payload first and records it second, so a failed
// record leaves an orphaned blob and never a dangling row.
func (w *Worker) downloadFile(
	ctx context.Context,
	runID string,
	productName string,
	fileURL string,
	logger *zap.Logger,
) (string, error) {
	page, ok := w.deps.Fetcher.Fetch(ctx, fileURL)
	if !ok {
		return "", errFetchAbsent
	}
	digest, err := w.deps.Hasher.Hash(page.Body)
	if err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	meta := crawler.FileMetadata{
		OriginalURL: fileURL,
		ProductName: productName,
		Filename:    crawler.FilenameFromURL(fileURL),
		ContentType: page.ContentType,
		Size:        int64(len(page.Body)),
		SHA256:      digest,
	}
	fileID, err := w.deps.Objects.SaveFile(ctx, page.Body, meta)
	if err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	if err := w.deps.Store.SaveFileRecord(ctx, productName, fileID, fileURL); err != nil {
		logger.Error("orphaned stored file",
			zap.String("file_id", fileID), zap.String("name", productName), zap.String("url", fileURL), zap.Error(err))
		return "", fmt.Errorf("save file record: %w", err)
	}
	w.bump(func(c *crawler.Counters) { c.FilesDownloaded++ })
	metrics.ObserveFileDownloaded()
	w.emit(progress.Event{RunID: runID, Stage: progress.StageFileSaved, Item: fileID, URL: fileURL, Bytes: meta.Size})
	logger.Info("file stored",
		zap.String("file_id", fileID), zap.String("name", productName), zap.String("filename", meta.Filename))
	return fileID, nil
}

func (w *Worker) markName(ctx context.Context, name crawler.Name, status crawler.Status, logger *zap.Logger) error {
	if err := w.deps.Store.UpdateNameStatus(ctx, name.ID, status); err != nil {
		logger.Error("update name status failed",
			zap.String("name", name.Name), zap.Int64("id", name.ID), zap.String("status", string(status)), zap.Error(err))
		metrics.ObserveItem("name", "update_failed")
		return err
	}
	metrics.ObserveItem("name", string(status))
	return nil
}

func (w *Worker) cutoffReached(ctx context.Context, logger *zap.Logger) bool {
	if w.cfg.ArchiveLimit <= 0 {
		return false
	}
	count, err := w.deps.Store.CountRawContent(ctx)
	if err != nil {
		logger.Error("count raw content failed", zap.Error(err))
		return false
	}
	if count < int64(w.cfg.ArchiveLimit) {
		return false
	}
	logger.Info("archive limit reached", zap.Int64("archived", count), zap.Int("limit", w.cfg.ArchiveLimit))
	return true
}

type archiveNotice struct {
	RunID       string   `json:"run_id"`
	ProductName string   `json:"product_name"`
	URL         string   `json:"url"`
	Files       []string `json:"files"`
	Timestamp   string   `json:"timestamp"`
}

func (w *Worker) notify(ctx context.Context, runID string, name crawler.Name, url string, files []string, logger *zap.Logger) {
	if w.deps.Publisher == nil {
		return
	}
	if files == nil {
		files = []string{}
	}
	msgID, err := w.deps.Publisher.Publish(ctx, archiveNotice{
		RunID:       runID,
		ProductName: name.Name,
		URL:         url,
		Files:       files,
		Timestamp:   w.deps.Clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn("archive notification failed", zap.String("name", name.Name), zap.String("url", url), zap.Error(err))
		return
	}
	logger.Debug("archive notification published", zap.String("name", name.Name), zap.String("message_id", msgID))
}

func (w *Worker) bump(update func(*crawler.Counters)) {
	w.mu.Lock()
	update(&w.counters)
	snapshot := w.counters
	w.mu.Unlock()
	if w.deps.Observer != nil {
		w.deps.Observer.Observe(snapshot)
	}
}

func (w *Worker) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = w.deps.Clock.Now()
	}
	w.deps.Emitter.Emit(evt)
}

func stopRequested(ctx context.Context, stop crawler.StopSignal) bool {
	if ctx.Err() != nil {
		return true
	}
	return stop != nil && stop.StopRequested()
}
