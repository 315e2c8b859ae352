package catalog

import (
	"fmt"
	"sync"

	"github.com/athena-uvm/hotspot-inspector/server/models"
)

// SelectionHandler receives the newly selected feature, or nil when the
// selection was cleared.
type SelectionHandler func(feature *models.HotspotFeature)

// Selection is the selection state of one view over a shared catalog.
type Selection struct {
	catalog *Catalog

	mutex    sync.Mutex
	current  *models.HotspotFeature
	handlers []SelectionHandler

	// serializes handler delivery so events arrive in call order
	notifyMutex sync.Mutex
}

func (c *Catalog) NewSelection() *Selection {
	return &Selection{catalog: c}
}

func (s *Selection) OnSelectionChanged(handler SelectionHandler) {
	s.mutex.Lock()
	s.handlers = append(s.handlers, handler)
	s.mutex.Unlock()
}

// Select fires the selection event once per call, also when id is already
// the current selection.
func (s *Selection) Select(id string) (*models.HotspotFeature, error) {
	if id == "" {
		s.Clear()
		return nil, nil
	}

	feature, ok := s.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHotspot, id)
	}

	s.set(&feature)
	return &feature, nil
}

func (s *Selection) Clear() {
	s.set(nil)
}

func (s *Selection) Current() *models.HotspotFeature {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current
}

func (s *Selection) set(feature *models.HotspotFeature) {
	s.notifyMutex.Lock()
	defer s.notifyMutex.Unlock()

	s.mutex.Lock()
	s.current = feature
	handlers := make([]SelectionHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mutex.Unlock()

	for _, handler := range handlers {
		handler(feature)
	}
}
