package docsync

import (
	"github.com/sirupsen/logrus"
)

// Factory creates shared documents. With a Transport documents sync with the
// branch service; without one they stay local.
type Factory struct {
	Transport   Transport
	Auth        AuthRequester
	Persistence PersistenceOpener
	Log         *logrus.Entry
}

// Open creates a document for cfg. The document does nothing until Connect.
func (f *Factory) Open(cfg Config) (*SharedDocument, error) {
	if cfg.Branch == "" {
		return nil, ErrMissingBranch
	}
	d := newSharedDocument(cfg, f.Persistence, f.Log)
	if f.Transport == nil {
		d.start(&localSync{d: d})
		return d, nil
	}
	d.start(newRemoteSync(d, f.Transport, f.Auth))
	return d, nil
}

// NewLocalDocument creates a document that is never synced remotely.
func NewLocalDocument(cfg Config) *SharedDocument {
	d := newSharedDocument(cfg, nil, nil)
	d.start(&localSync{d: d})
	return d
}
