// Package media downloads message attachments through the owning session,
// stores them content-addressed, and deduplicates by sha-256 and perceptual
// hash. Workers pull from a bounded queue; a cron sweep re-enqueues failed
// downloads whose in-memory references are still known.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/robfig/cron/v3"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/metrics"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

// Sessions resolves the live session owning an account.
type Sessions interface {
	Get(accountID int64) (*session.Session, bool)
}

// Item is one queued download. The Ref is an in-memory handle; it does not
// survive a restart, which is why the retry sweep can only revive items this
// process saw.
type Item struct {
	MediaID   int64
	AccountID int64
	DialogID  int64
	Ref       *telegram.MediaRef
	Priority  session.Priority
}

// Options tune the pipeline.
type Options struct {
	Root               string
	Workers            int
	QueueSize          int
	DownloadTimeout    time.Duration
	MaxAttempts        int
	RetryInterval      time.Duration
	RetryBatchSize     int
	ValidationEnabled  bool
	PerceptualDistance int
}

// Pipeline owns the download workers and the retry sweep.
type Pipeline struct {
	store    storage.Store
	sessions Sessions
	bus      *events.Bus
	log      *logger.Logger
	opts     Options

	queue chan Item
	wg    sync.WaitGroup
	cron  *cron.Cron

	mu      sync.Mutex
	parked  map[int64]Item // failed items kept for the retry sweep
	closed  bool
	started bool
}

func NewPipeline(store storage.Store, sessions Sessions, bus *events.Bus, log *logger.Logger, opts Options) (*Pipeline, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.PerceptualDistance <= 0 {
		opts.PerceptualDistance = 5
	}
	if err := os.MkdirAll(filepath.Join(opts.Root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Pipeline{
		store:    store,
		sessions: sessions,
		bus:      bus,
		log:      log.WithComponent("media"),
		opts:     opts,
		queue:    make(chan Item, opts.QueueSize),
		parked:   make(map[int64]Item),
	}, nil
}

// Start launches the workers and the retry schedule.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	if p.opts.RetryInterval > 0 {
		p.cron = cron.New()
		p.cron.Schedule(cron.Every(p.opts.RetryInterval), cron.FuncJob(func() {
			p.retrySweep(ctx)
		}))
		p.cron.Start()
	}
	p.log.Info("media pipeline started", "workers", p.opts.Workers, "root", p.opts.Root)
}

// Enqueue hands a queued media row to the workers. A full queue parks the
// item for the retry sweep instead of blocking the caller.
func (p *Pipeline) Enqueue(mediaID, accountID, dialogID int64, ref *telegram.MediaRef, pri session.Priority) {
	it := Item{MediaID: mediaID, AccountID: accountID, DialogID: dialogID, Ref: ref, Priority: pri}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	select {
	case p.queue <- it:
	default:
		p.park(it)
		p.log.Warn("media queue full, parking item", "media_id", mediaID)
	}
}

// QueueDepth reports pending downloads.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

// Close stops the retry schedule, drains the workers, and returns once all
// in-flight downloads finished.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	if p.cron != nil {
		p.cron.Stop()
	}
	close(p.queue)
	p.wg.Wait()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, it)
		}
	}
}

func (p *Pipeline) park(it Item) {
	p.mu.Lock()
	p.parked[it.MediaID] = it
	p.mu.Unlock()
}

// retrySweep re-enqueues failed rows whose download references this process
// still holds. Rows without a live reference stay failed until their message
// is observed again.
func (p *Pipeline) retrySweep(ctx context.Context) {
	rows, err := p.store.ListRetryableMedia(ctx, p.opts.MaxAttempts, p.opts.RetryBatchSize)
	if err != nil {
		p.log.Error("retryable media listing failed", "error", err)
		return
	}
	revived := 0
	for _, mf := range rows {
		p.mu.Lock()
		it, ok := p.parked[mf.ID]
		if ok {
			delete(p.parked, mf.ID)
		}
		closed := p.closed
		p.mu.Unlock()
		if !ok || closed {
			continue
		}
		select {
		case p.queue <- it:
			revived++
		default:
			p.park(it)
			return
		}
	}
	if revived > 0 {
		p.log.Info("retry sweep revived downloads", "count", revived)
	}
}

func (p *Pipeline) process(ctx context.Context, it Item) {
	mf, err := p.store.GetMediaFile(ctx, it.MediaID)
	if err != nil {
		p.log.Error("media row lookup failed", "error", err, "media_id", it.MediaID)
		return
	}
	if mf.ProcessingStatus == storage.ProcessingCompleted {
		return
	}
	if err := p.store.MarkMediaProcessing(ctx, it.MediaID); err != nil {
		p.log.Error("media mark processing failed", "error", err, "media_id", it.MediaID)
		return
	}

	sess, ok := p.sessions.Get(it.AccountID)
	if !ok {
		p.fail(ctx, it, mf, "no_session", true)
		return
	}

	dctx := ctx
	if p.opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.opts.DownloadTimeout)
		defer cancel()
	}

	tmp, err := os.CreateTemp(filepath.Join(p.opts.Root, "tmp"), "dl-*")
	if err != nil {
		p.fail(ctx, it, mf, "tmpfile", true)
		return
	}
	tmpPath := tmp.Name()
	hasher := sha256.New()

	n, err := sess.DownloadMedia(dctx, it.Priority, it.Ref, io.MultiWriter(tmp, hasher))
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		retryable := faults.IsRetryable(err) || dctx.Err() == context.DeadlineExceeded
		p.fail(ctx, it, mf, string(faults.KindOf(err)), retryable)
		return
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	if dup, derr := p.store.FindCompletedByContentHash(ctx, hash); derr == nil && dup.ID != it.MediaID {
		os.Remove(tmpPath)
		p.complete(ctx, it, &storage.MediaFile{
			ID:              it.MediaID,
			FilePath:        dup.FilePath,
			FileSize:        n,
			ContentHash:     hash,
			PerceptualHash:  dup.PerceptualHash,
			DuplicateMethod: "content",
		}, "deduplicated")
		return
	}

	finalPath := p.contentPath(hash, it.Ref)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpPath)
		p.fail(ctx, it, mf, "storage", true)
		return
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		p.fail(ctx, it, mf, "storage", true)
		return
	}

	completed := &storage.MediaFile{
		ID:          it.MediaID,
		FilePath:    finalPath,
		FileSize:    n,
		ContentHash: hash,
	}

	if p.opts.ValidationEnabled && isImage(it.Ref.MimeType) {
		phash, verr := p.perceptualHash(finalPath)
		if verr != nil {
			if err := p.store.SetMediaValidation(ctx, it.MediaID, storage.ValidationCorrupted); err != nil {
				p.log.Error("media validation update failed", "error", err, "media_id", it.MediaID)
			}
			// The row never points at finalPath; drop the bytes too.
			os.Remove(finalPath)
			metrics.MediaDownloads.WithLabelValues("invalid").Inc()
			p.publish(it, "invalid", "")
			p.log.Warn("image failed validation", "media_id", it.MediaID, "error", verr)
			return
		}
		completed.PerceptualHash = &phash
		if nearID, ok := p.nearDuplicate(ctx, it.MediaID, phash); ok {
			completed.DuplicateMethod = "perceptual"
			p.log.Info("perceptual duplicate", "media_id", it.MediaID, "of", nearID)
		}
	}

	p.complete(ctx, it, completed, "completed")
}

func (p *Pipeline) complete(ctx context.Context, it Item, mf *storage.MediaFile, outcome string) {
	if err := p.store.CompleteMediaFile(ctx, mf); err != nil {
		p.log.Error("media completion failed", "error", err, "media_id", it.MediaID)
		return
	}
	metrics.MediaDownloads.WithLabelValues(outcome).Inc()
	p.publish(it, outcome, mf.FilePath)
}

func (p *Pipeline) fail(ctx context.Context, it Item, mf *storage.MediaFile, kind string, retryable bool) {
	if err := p.store.FailMediaDownload(ctx, it.MediaID, kind, time.Now().UTC()); err != nil {
		p.log.Error("media failure update failed", "error", err, "media_id", it.MediaID)
	}
	if retryable && mf.DownloadAttempts+1 < p.opts.MaxAttempts {
		p.park(it)
	}
	metrics.MediaDownloads.WithLabelValues("failed").Inc()
	p.publish(it, "failed", "")
	p.log.Warn("media download failed", "media_id", it.MediaID, "kind", kind, "retryable", retryable)
}

func (p *Pipeline) publish(it Item, outcome, path string) {
	p.bus.Publish(events.ChannelMedia, events.TypeMediaDownloaded, events.MediaPayload{
		MediaFileID: it.MediaID,
		Outcome:     outcome,
		FilePath:    path,
	})
}

// contentPath lays files out as <root>/<yy>/<mm>/<h2>/<sha256><ext> where h2
// is the first hash byte, keeping directories bounded.
func (p *Pipeline) contentPath(hash string, ref *telegram.MediaRef) string {
	now := time.Now().UTC()
	return filepath.Join(p.opts.Root,
		now.Format("06"), now.Format("01"), hash[:2], hash+extensionFor(ref))
}

func (p *Pipeline) perceptualHash(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return 0, err
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, err
	}
	return h.GetHash(), nil
}

// nearDuplicate scans known perceptual hashes for one within the configured
// Hamming distance.
func (p *Pipeline) nearDuplicate(ctx context.Context, selfID int64, phash uint64) (int64, bool) {
	known, err := p.store.ListPerceptualHashes(ctx, 10000)
	if err != nil {
		p.log.Error("perceptual hash listing failed", "error", err)
		return 0, false
	}
	for id, h := range known {
		if id == selfID {
			continue
		}
		if bits.OnesCount64(h^phash) <= p.opts.PerceptualDistance {
			return id, true
		}
	}
	return 0, false
}

func isImage(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

func extensionFor(ref *telegram.MediaRef) string {
	switch ref.MimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	}
	if ext := filepath.Ext(ref.FileName); ext != "" {
		return ext
	}
	return ".bin"
}
