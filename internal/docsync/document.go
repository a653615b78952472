package docsync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"instdocs/internal/crdt"
	"instdocs/internal/protocol"
	"instdocs/internal/stream"
)

var (
	ErrClosed        = errors.New("document is closed")
	ErrNotConnected  = errors.New("document has no remote connection")
	ErrMissingBranch = errors.New("branch is required")
)

type origin string

// Transaction origins. Updates applied with RemoteOrigin came from the branch
// service and are never sent back; ApplyToInstOrigin marks state that must be
// sent even though it did not come from a local edit.
const (
	RemoteOrigin      origin = "remote"
	ApplyToInstOrigin origin = "apply-to-inst"
)

// Config configures a SharedDocument. An empty RecordName means a public
// inst. Static implies ReadOnly.
type Config struct {
	Branch           string
	RecordName       string
	Inst             string
	ReadOnly         bool
	Static           bool
	SkipInitialLoad  bool
	Temporary        bool
	LocalPersistence *LocalPersistenceConfig
}

type LocalPersistenceConfig struct {
	SaveToDisk    bool
	EncryptionKey string
}

func (c Config) ref() protocol.BranchRef {
	return protocol.BranchRef{RecordName: c.RecordName, Inst: c.Inst, Branch: c.Branch}
}

// Version summarises how far a document has progressed.
type Version struct {
	CurrentSite string
	RemoteSite  string
	Vector      map[string]uint64
}

// syncStrategy is what differs between local and remote documents.
type syncStrategy interface {
	connect(ctx context.Context) error
	enableCollaboration(ctx context.Context) error
	onUpdate(ev crdt.UpdateEvent)
	readOnly() bool
	sendAction(ctx context.Context, action protocol.Action) error
	close()
}

// SharedDocument owns one mergeable document and hands out typed containers
// over it.
type SharedDocument struct {
	cfg      Config
	log      *logrus.Entry
	doc      *crdt.Doc
	reg      *registry
	localID  string
	remoteID string

	status       *stream.Latest[StatusType, StatusUpdate]
	updates      stream.Stream[string]
	errs         stream.Stream[error]
	clientErrors stream.Stream[*protocol.ErrorInfo]
	events       stream.Stream[protocol.Action]
	versions     stream.Stream[Version]

	strategy        syncStrategy
	openPersistence PersistenceOpener

	mu          sync.Mutex
	closed      bool
	persistence Persistence
	stopUpdates func()
}

func newSharedDocument(cfg Config, opener PersistenceOpener, log *logrus.Entry) *SharedDocument {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &SharedDocument{
		cfg:             cfg,
		doc:             crdt.New(),
		remoteID:        uuid.NewString(),
		status:          newStatusStream(),
		openPersistence: opener,
	}
	d.localID = strconv.FormatUint(d.doc.ClientID(), 10)
	d.log = log.WithFields(logrus.Fields{
		"record": cfg.RecordName,
		"inst":   cfg.Inst,
		"branch": cfg.Branch,
		"site":   d.localID,
	})
	d.reg = newRegistry(d)
	return d
}

// start hooks the document up to its strategy. It runs once, after the
// strategy is set.
func (d *SharedDocument) start(s syncStrategy) {
	d.strategy = s
	d.stopUpdates = d.doc.OnUpdate(d.handleUpdate)
}

func (d *SharedDocument) handleUpdate(ev crdt.UpdateEvent) {
	d.versions.Emit(d.CurrentVersion())
	d.strategy.onUpdate(ev)
}

// Connect opens local persistence when configured and starts syncing.
func (d *SharedDocument) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mu.Unlock()

	if err := d.initPersistence(ctx); err != nil {
		d.errs.Emit(err)
		return err
	}
	return d.strategy.connect(ctx)
}

func (d *SharedDocument) initPersistence(ctx context.Context) error {
	lp := d.cfg.LocalPersistence
	if d.cfg.Temporary || lp == nil || !lp.SaveToDisk || d.openPersistence == nil {
		return nil
	}

	d.mu.Lock()
	if d.persistence != nil {
		d.mu.Unlock()
		return nil
	}
	p, err := d.openPersistence(d.cfg.ref().Key(), d.doc, lp.EncryptionKey)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("open local persistence: %w", err)
	}
	d.persistence = p
	d.mu.Unlock()

	if err := p.WaitForInit(ctx); err != nil {
		return fmt.Errorf("wait for local persistence: %w", err)
	}
	d.log.Debug("local persistence ready")
	return nil
}

// hasLocalState reports whether local persistence loaded anything into the
// document.
func (d *SharedDocument) hasLocalState() bool {
	d.mu.Lock()
	p := d.persistence
	d.mu.Unlock()
	return p != nil && len(d.doc.StateVector()) > 0
}

// EnableCollaboration turns a static or skip-initial document into a live
// one and blocks until it has synced with the branch.
func (d *SharedDocument) EnableCollaboration(ctx context.Context) error {
	return d.strategy.enableCollaboration(ctx)
}

// SendAction relays an application event to the other watchers of the
// branch.
func (d *SharedDocument) SendAction(ctx context.Context, action protocol.Action) error {
	return d.strategy.sendAction(ctx, action)
}

// Close stops syncing and releases local persistence. A closed document
// cannot be reconnected.
func (d *SharedDocument) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	p := d.persistence
	d.mu.Unlock()

	d.strategy.close()
	d.stopUpdates()
	if p != nil {
		if err := p.Close(); err != nil {
			return fmt.Errorf("close local persistence: %w", err)
		}
	}
	return nil
}

func (d *SharedDocument) Config() Config { return d.cfg }

// ReadOnly reports whether local changes are kept from the branch.
func (d *SharedDocument) ReadOnly() bool {
	return d.strategy.readOnly()
}

// GetMap returns the top-level map called name, creating it on first use.
// Repeated calls return the same *SharedMap.
func (d *SharedDocument) GetMap(name string) *SharedMap {
	return d.reg.wrap(d.doc.GetMap(name)).(*SharedMap)
}

func (d *SharedDocument) GetArray(name string) *SharedArray {
	return d.reg.wrap(d.doc.GetArray(name)).(*SharedArray)
}

func (d *SharedDocument) GetText(name string) *SharedText {
	return d.reg.wrap(d.doc.GetText(name)).(*SharedText)
}

// CreateMap returns a detached map that can be nested into a container.
func (d *SharedDocument) CreateMap() *SharedMap {
	return newDetached(crdt.KindMap).(*SharedMap)
}

func (d *SharedDocument) CreateArray() *SharedArray {
	return newDetached(crdt.KindArray).(*SharedArray)
}

func (d *SharedDocument) CreateText() *SharedText {
	return newDetached(crdt.KindText).(*SharedText)
}

// Transact runs fn so that its mutations produce one batch of change events
// and one outbound update.
func (d *SharedDocument) Transact(fn func()) {
	d.doc.Transact(nil, fn)
}

// GetStateUpdate encodes the whole document as one update.
func (d *SharedDocument) GetStateUpdate() protocol.InstUpdate {
	return protocol.InstUpdate{
		ID:        0,
		Timestamp: time.Now().UnixMilli(),
		Update:    base64.StdEncoding.EncodeToString(d.doc.EncodeStateAsUpdate()),
	}
}

// ApplyStateUpdates merges updates in one transaction tagged with
// ApplyToInstOrigin.
func (d *SharedDocument) ApplyStateUpdates(updates []protocol.InstUpdate) error {
	blobs := make([][]byte, 0, len(updates))
	for _, u := range updates {
		blob, err := base64.StdEncoding.DecodeString(u.Update)
		if err != nil {
			return fmt.Errorf("decode update %d: %w", u.ID, err)
		}
		blobs = append(blobs, blob)
	}
	merged, err := crdt.MergeUpdates(blobs...)
	if err != nil {
		return err
	}
	return d.doc.ApplyUpdate(merged, ApplyToInstOrigin)
}

// CurrentVersion reports this replica's site ids and state vector.
func (d *SharedDocument) CurrentVersion() Version {
	sv := d.doc.StateVector()
	vector := make(map[string]uint64, len(sv))
	for client, clock := range sv {
		vector[strconv.FormatUint(client, 10)] = clock
	}
	return Version{CurrentSite: d.localID, RemoteSite: d.remoteID, Vector: vector}
}

// StatusUpdates replays the latest connection, authentication, authorization
// and sync status to new subscribers, then streams changes.
func (d *SharedDocument) StatusUpdates() stream.Observable[StatusUpdate] { return d.status }

// Updates streams the base64 updates this document publishes.
func (d *SharedDocument) Updates() stream.Observable[string] { return &d.updates }

func (d *SharedDocument) Errors() stream.Observable[error] { return &d.errs }

// ClientErrors streams resource-limit errors such as max_size_reached and
// rate limiting.
func (d *SharedDocument) ClientErrors() stream.Observable[*protocol.ErrorInfo] {
	return &d.clientErrors
}

// Events streams actions sent by other watchers of the branch.
func (d *SharedDocument) Events() stream.Observable[protocol.Action] { return &d.events }

func (d *SharedDocument) VersionUpdates() stream.Observable[Version] { return &d.versions }

func encodeUpdate(update []byte) string {
	return base64.StdEncoding.EncodeToString(update)
}
