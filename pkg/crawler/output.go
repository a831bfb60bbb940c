package crawler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"ssb-archive/pkg/models"
	"ssb-archive/pkg/output"
	"ssb-archive/pkg/utils"
)

// Manifest collects per-document metadata during a run and writes it as YAML at the end
type Manifest struct {
	log *logrus.Entry

	mu    sync.Mutex
	meta  models.CrawlMetadata
	byKey map[string]int // NormalizedRef -> index in meta.Pages
}

// NewManifest starts the metadata of a run
func NewManifest(log *logrus.Entry, runID, origin string, seeds []string, start time.Time) *Manifest {
	return &Manifest{
		log: log,
		meta: models.CrawlMetadata{
			RunID:          runID,
			Origin:         origin,
			Seeds:          append([]string(nil), seeds...),
			CrawlStartTime: start,
			Pages:          make([]models.PageMetadata, 0),
		},
		byKey: make(map[string]int),
	}
}

// Record adds the metadata of one written document. A second record for the same
// normalized reference replaces the first.
func (m *Manifest) Record(page models.PageMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byKey[page.NormalizedRef]; ok {
		m.meta.Pages[i] = page
		return
	}
	m.byKey[page.NormalizedRef] = len(m.meta.Pages)
	m.meta.Pages = append(m.meta.Pages, page)
}

// Lookup returns the recorded metadata of a normalized reference
func (m *Manifest) Lookup(key string) (models.PageMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byKey[key]
	if !ok {
		return models.PageMetadata{}, false
	}
	return m.meta.Pages[i], true
}

// PagesSaved is the number of documents recorded so far
func (m *Manifest) PagesSaved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.meta.Pages)
}

// Finish stamps the end of the run and the failure count
func (m *Manifest) Finish(end time.Time, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.CrawlEndTime = end
	m.meta.TotalFailed = failed
}

// Metadata returns a copy of the collected metadata with pages ordered by normalized reference
func (m *Manifest) Metadata() models.CrawlMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.meta
	meta.Pages = append([]models.PageMetadata(nil), m.meta.Pages...)
	sort.Slice(meta.Pages, func(i, j int) bool {
		return meta.Pages[i].NormalizedRef < meta.Pages[j].NormalizedRef
	})
	meta.TotalSaved = len(meta.Pages)
	return meta
}

// WriteYAML writes the manifest to name below the writer's root
func (m *Manifest) WriteYAML(w *output.Writer, name string) error {
	meta := m.Metadata()
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("%w: marshaling manifest: %w", utils.ErrParsing, err)
	}
	if err := w.Write(name, data); err != nil {
		return err
	}
	m.log.Infof("Wrote manifest with %d pages to %s", meta.TotalSaved, name)
	return nil
}
