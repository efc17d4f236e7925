package extract

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/storage/memstore"
)

func testExtractor(t *testing.T) (*Extractor, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, SeedBuiltins(ctx, store))
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	e, err := New(store, log, Options{CacheSize: 100, ContextChars: 10, ValidatePatterns: true})
	require.NoError(t, err)
	require.NoError(t, e.LoadDetectors(ctx))
	return e, store
}

func matchByType(matches []Match, detectionType string) []Match {
	var out []Match
	for _, m := range matches {
		if m.Detector.Category == detectionType {
			out = append(out, m)
		}
	}
	return out
}

func TestExtractEmailAndPhone(t *testing.T) {
	e, _ := testExtractor(t)

	matches := e.Extract("contact Bob@Example.com +14155550123")

	emails := matchByType(matches, storage.DetectionEmail)
	require.Len(t, emails, 1)
	assert.Equal(t, "Bob@Example.com", emails[0].MatchedText)
	assert.Equal(t, "bob@example.com", emails[0].NormalizedValue)

	phones := matchByType(matches, storage.DetectionPhone)
	require.Len(t, phones, 1)
	assert.Equal(t, "+14155550123", phones[0].NormalizedValue)
}

func TestExtractCryptoAddresses(t *testing.T) {
	e, _ := testExtractor(t)

	matches := e.Extract("send to 0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B or TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE")
	crypto := matchByType(matches, storage.DetectionCrypto)
	require.Len(t, crypto, 2)
}

func TestExtractInviteAndURL(t *testing.T) {
	e, _ := testExtractor(t)

	matches := e.Extract("join https://t.me/+AbCdEf123 details at https://EXAMPLE.com/Path?Q=1")

	invites := matchByType(matches, storage.DetectionInviteLink)
	require.Len(t, invites, 1)
	assert.Equal(t, "https://t.me/+abcdef123", invites[0].NormalizedValue)

	urls := matchByType(matches, storage.DetectionURL)
	require.NotEmpty(t, urls)
	var normalized []string
	for _, u := range urls {
		normalized = append(normalized, u.NormalizedValue)
	}
	assert.Contains(t, normalized, "https://example.com/Path?Q=1")
}

func TestContextWindow(t *testing.T) {
	e, _ := testExtractor(t)

	matches := e.Extract("aaaaaaaaaaaaaaaaaaaa bob@example.com bbbbbbbbbbbbbbbbbbbb")
	emails := matchByType(matches, storage.DetectionEmail)
	require.Len(t, emails, 1)
	assert.Equal(t, "aaaaaaaaa ", emails[0].ContextBefore)
	assert.Equal(t, " bbbbbbbbb", emails[0].ContextAfter)
}

func TestPriorityOrdering(t *testing.T) {
	e, _ := testExtractor(t)

	matches := e.Extract("bob@example.com https://example.com")
	require.GreaterOrEqual(t, len(matches), 2)
	// Email (priority 100) is reported before URL (priority 60).
	assert.Equal(t, storage.DetectionEmail, matches[0].Detector.Category)
}

func TestExtractorIdempotentInserts(t *testing.T) {
	e, store := testExtractor(t)
	ctx := context.Background()

	text := "ping bob@example.com"
	rows := e.Detections(42, text)
	inserted, err := store.InsertDetections(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	// A second run over the same message writes nothing new.
	rows = e.Detections(42, text)
	inserted, err = store.InsertDetections(ctx, rows)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	n, err := store.CountDetections(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInvalidPatternSkippedAtLoad(t *testing.T) {
	e, store := testExtractor(t)
	ctx := context.Background()

	_, err := store.CreateDetector(ctx, &storage.Detector{
		Name: "broken", Pattern: "([unclosed", Category: "custom", Priority: 50, IsActive: true,
	})
	require.NoError(t, err)

	require.NoError(t, e.LoadDetectors(ctx))
	for _, m := range e.Extract("anything") {
		assert.NotEqual(t, "broken", m.Detector.Name)
	}
}

func TestAddDetectorRejectsInvalidPattern(t *testing.T) {
	e, _ := testExtractor(t)
	err := e.AddDetector(context.Background(), &storage.Detector{Name: "bad", Pattern: "(("})
	assert.Error(t, err)
}

func TestLoadYAMLFile(t *testing.T) {
	e, _ := testExtractor(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "detectors.yaml")
	data := []byte("detectors:\n  - name: iban\n    pattern: \"[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}\"\n    category: custom\n    priority: 55\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, e.LoadYAMLFile(ctx, path))

	matches := e.Extract("account DE44500105175407324931 listed")
	found := false
	for _, m := range matches {
		if m.Detector.Name == "iban" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNormalizePhoneShapes(t *testing.T) {
	assert.Equal(t, "+14155550123", normalizePhone("+1 (415) 555-0123"))
	assert.Equal(t, "+4915112345678", normalizePhone("0049 151 12345678"))
}
