// Package extract applies the detector registry to message text. Detectors
// are priority-ordered regexes; compiled patterns live in a bounded LRU so a
// large detector table cannot pin unbounded memory.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/storage"
)

// Options configures the extractor.
type Options struct {
	CacheSize        int
	ContextChars     int
	ValidatePatterns bool
}

// Match is one detector hit on a text.
type Match struct {
	Detector        *storage.Detector
	MatchedText     string
	NormalizedValue string
	ContextBefore   string
	ContextAfter    string
}

type Extractor struct {
	store storage.DetectionStore
	log   *logger.Logger
	opts  Options

	cache *lru.Cache[int64, *regexp.Regexp]

	mu        sync.RWMutex
	detectors []*storage.Detector // active, priority desc
}

func New(store storage.DetectionStore, log *logger.Logger, opts Options) (*Extractor, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.ContextChars <= 0 {
		opts.ContextChars = 40
	}
	cache, err := lru.New[int64, *regexp.Regexp](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Extractor{
		store: store,
		log:   log.WithComponent("extract"),
		opts:  opts,
		cache: cache,
	}, nil
}

// LoadDetectors refreshes the active detector set from the store. Patterns
// that fail to compile are reported and skipped; the rest keep working.
func (e *Extractor) LoadDetectors(ctx context.Context) error {
	detectors, err := e.store.ListDetectors(ctx, true)
	if err != nil {
		return err
	}
	loaded := make([]*storage.Detector, 0, len(detectors))
	for _, d := range detectors {
		if e.opts.ValidatePatterns {
			if _, err := e.compiled(d); err != nil {
				e.log.Error("detector pattern rejected", "error", err, "detector", d.Name)
				continue
			}
		}
		loaded = append(loaded, d)
	}
	e.mu.Lock()
	e.detectors = loaded
	e.mu.Unlock()
	e.log.Info("detectors loaded", "count", len(loaded))
	return nil
}

// AddDetector validates, persists, and activates a new detector.
func (e *Extractor) AddDetector(ctx context.Context, d *storage.Detector) error {
	if _, err := regexp.Compile(d.Pattern); err != nil {
		return fmt.Errorf("invalid pattern for detector %q: %w", d.Name, err)
	}
	if _, err := e.store.CreateDetector(ctx, d); err != nil {
		return err
	}
	return e.LoadDetectors(ctx)
}

func (e *Extractor) compiled(d *storage.Detector) (*regexp.Regexp, error) {
	if re, ok := e.cache.Get(d.ID); ok {
		return re, nil
	}
	re, err := regexp.Compile(d.Pattern)
	if err != nil {
		return nil, err
	}
	e.cache.Add(d.ID, re)
	return re, nil
}

// Extract runs every active detector over the text, priority order.
func (e *Extractor) Extract(text string) []Match {
	if text == "" {
		return nil
	}
	e.mu.RLock()
	detectors := e.detectors
	e.mu.RUnlock()

	var matches []Match
	for _, d := range detectors {
		re, err := e.compiled(d)
		if err != nil {
			continue
		}
		for _, loc := range re.FindAllStringIndex(text, -1) {
			matched := text[loc[0]:loc[1]]
			matches = append(matches, Match{
				Detector:        d,
				MatchedText:     matched,
				NormalizedValue: Normalize(d.Category, matched),
				ContextBefore:   contextSlice(text, loc[0]-e.opts.ContextChars, loc[0]),
				ContextAfter:    contextSlice(text, loc[1], loc[1]+e.opts.ContextChars),
			})
		}
	}
	return matches
}

// Detections builds insert-ready rows for a committed message.
func (e *Extractor) Detections(messageID int64, text string) []*storage.Detection {
	matches := e.Extract(text)
	if len(matches) == 0 {
		return nil
	}
	out := make([]*storage.Detection, 0, len(matches))
	for _, m := range matches {
		out = append(out, &storage.Detection{
			MessageID:       messageID,
			DetectorID:      m.Detector.ID,
			DetectionType:   m.Detector.Category,
			MatchedText:     m.MatchedText,
			NormalizedValue: m.NormalizedValue,
			ContextBefore:   m.ContextBefore,
			ContextAfter:    m.ContextAfter,
		})
	}
	return out
}

// Normalize canonicalizes a matched value by detection type.
func Normalize(detectionType, matched string) string {
	switch detectionType {
	case storage.DetectionEmail:
		return strings.ToLower(matched)
	case storage.DetectionPhone:
		return normalizePhone(matched)
	case storage.DetectionCrypto:
		return strings.Join(strings.Fields(matched), "")
	case storage.DetectionURL:
		return lowerURLHost(matched)
	case storage.DetectionInviteLink, storage.DetectionTelegramLink, storage.DetectionTelegramUsername:
		return strings.ToLower(matched)
	}
	return matched
}

// normalizePhone strips separators and keeps a loose E.164 shape.
func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.HasPrefix(out, "00") {
		out = "+" + out[2:]
	}
	if out != "" && out[0] != '+' {
		out = "+" + out
	}
	return out
}

// lowerURLHost lowercases the scheme and host, preserving path case.
func lowerURLHost(s string) string {
	idx := strings.Index(s, "://")
	if idx < 0 {
		return s
	}
	rest := s[idx+3:]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	return strings.ToLower(s[:idx+3+end]) + rest[end:]
}

// contextSlice clamps [from, to) to the text and snaps to rune boundaries.
func contextSlice(text string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(text) {
		to = len(text)
	}
	if from >= to {
		return ""
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return text[from:to]
}
