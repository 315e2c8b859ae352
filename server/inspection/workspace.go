package inspection

import (
	"sync/atomic"

	"github.com/athena-uvm/hotspot-inspector/server/catalog"
	"github.com/athena-uvm/hotspot-inspector/server/models"
)

// Workspace is what one rendering surface works with: its own selection
// over the shared catalog and the session bound to that selection.
type Workspace struct {
	Selection *catalog.Selection
	Session   *Session

	holders atomic.Int32
}

func NewWorkspace(cat *catalog.Catalog, session *Session) *Workspace {
	w := &Workspace{
		Selection: cat.NewSelection(),
		Session:   session,
	}
	w.Selection.OnSelectionChanged(func(feature *models.HotspotFeature) {
		session.Reset(feature)
	})
	return w
}

func (w *Workspace) ID() string { return w.Session.ID() }

// Hold marks the workspace as in use by an open connection. Held workspaces
// never expire, however long their session sits still.
func (w *Workspace) Hold() { w.holders.Add(1) }

func (w *Workspace) Release() { w.holders.Add(-1) }

func (w *Workspace) Held() bool { return w.holders.Load() > 0 }
