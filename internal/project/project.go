package project

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/projfs/internal/events"
	"github.com/InsulaLabs/projfs/internal/tkv"
	"github.com/InsulaLabs/projfs/internal/vfs"
)

const schemaVersion = 1

var (
	ErrNotAttached     = errors.New("no project attached")
	ErrAlreadyAttached = errors.New("a project is already attached")
	ErrEngineMissing   = errors.New("storage engine is required")
)

// Initializer seeds a brand new project. It runs once, on the session that
// creates the store, before the first write timestamp is recorded.
type Initializer func(ctx context.Context, s *Session) error

type Config struct {
	Logger      *slog.Logger
	Engine      *tkv.Engine
	Events      events.PubSub
	Initializer Initializer
	Options     vfs.Options
	Metrics     *Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Project is the attach/detach lifecycle over one project store at a time,
// plus optimistic detection of writes made by other sessions.
type Project struct {
	logger      *slog.Logger
	engine      *tkv.Engine
	events      events.PubSub
	initializer Initializer
	opts        vfs.Options
	metrics     *Metrics
	now         func() time.Time

	mu                 sync.Mutex
	name               string
	attached           bool
	lastKnownWriteTime int64
}

func New(config Config) (*Project, error) {
	if config.Engine == nil {
		return nil, ErrEngineMissing
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Events == nil {
		config.Events = events.NewPubSub(events.Config{})
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Project{
		logger:      config.Logger.WithGroup("project"),
		engine:      config.Engine,
		events:      config.Events,
		initializer: config.Initializer,
		opts:        config.Options,
		metrics:     config.Metrics,
		now:         config.Clock,
	}, nil
}

// Events is the feed every notification of this project is published on.
func (p *Project) Events() events.PubSub {
	return p.events
}

func (p *Project) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Project) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// LastKnownWriteTime is the cached write timestamp, 0 until first observed.
func (p *Project) LastKnownWriteTime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastKnownWriteTime
}

// Attach opens name, creating and initializing it on first use, and caches
// its current write timestamp. A project must be detached before another
// can be attached.
func (p *Project) Attach(ctx context.Context, name string) error {
	p.mu.Lock()
	if p.attached {
		p.mu.Unlock()
		return ErrAlreadyAttached
	}
	p.name = name
	p.attached = true
	p.lastKnownWriteTime = 0
	p.mu.Unlock()

	if err := p.withSession(ctx, name, func(*Session) error { return nil }); err != nil {
		p.reset()
		return err
	}
	p.CheckForWriteConflicts(ctx)

	p.logger.Info("attached to project", "project", name, "lastWriteTime", p.LastKnownWriteTime())
	p.emit(ctx, name, events.TopicAttached)
	return nil
}

// Detach forgets the attached project.
func (p *Project) Detach(ctx context.Context) {
	name := p.reset()
	p.logger.Info("detached from project", "project", name)
	p.emit(ctx, name, events.TopicDetached)
}

func (p *Project) reset() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := p.name
	p.name = ""
	p.attached = false
	p.lastKnownWriteTime = 0
	return name
}

// DeleteProject irreversibly erases the store for name, whether or not it is
// attached.
func (p *Project) DeleteProject(ctx context.Context, name string) error {
	if err := p.engine.DeleteStore(ctx, name); err != nil {
		return err
	}
	p.logger.Info("deleted project", "project", name)
	return nil
}

// Access runs fn on a fresh session against the attached project. The
// session's connection is released on every path out, after the write
// timestamp is refreshed if fn mutated anything.
func (p *Project) Access(ctx context.Context, fn func(s *Session) error) error {
	p.mu.Lock()
	name, attached := p.name, p.attached
	p.mu.Unlock()
	if !attached {
		return ErrNotAttached
	}
	return p.withSession(ctx, name, fn)
}

func (p *Project) withSession(ctx context.Context, name string, fn func(s *Session) error) (err error) {
	conn, err := p.engine.Open(ctx, name, schemaVersion, defineSchema)
	if err != nil {
		p.logger.Error("failed to open project store", "project", name, "error", err)
		p.metrics.session("failed")
		p.emit(ctx, name, events.TopicConnectionFailed)
		return err
	}

	s := &Session{
		FS: vfs.New(conn, vfs.Config{
			Logger:  p.logger,
			Options: p.opts,
			Events:  p.events,
			Emitter: name,
		}),
		project: p,
		name:    name,
		conn:    conn,
	}

	defer func() {
		if s.dirty() {
			// the refresh must land even when ctx ended during fn
			if _, uerr := s.UpdateLastWriteTime(context.WithoutCancel(ctx)); uerr != nil {
				p.logger.Error("failed to refresh last write time", "project", name, "error", uerr)
				if err == nil {
					err = uerr
				}
			}
		}
		conn.Close()
	}()

	if conn.Created() {
		p.metrics.session("created")
		p.logger.Info("initializing new project", "project", name)
		if p.initializer != nil {
			if err := p.initializer(ctx, s); err != nil {
				return err
			}
		}
		if _, err := s.UpdateLastWriteTime(ctx); err != nil {
			return err
		}
	} else {
		p.metrics.session("opened")
	}

	return fn(s)
}

func defineSchema(up *tkv.Upgrade) error {
	if up.OldVersion >= 1 {
		return nil
	}
	if err := defineMetadata(up); err != nil {
		return err
	}
	return vfs.DefineNodes(up)
}

// observeWrite records a timestamp this process wrote itself.
func (p *Project) observeWrite(name string, stamp int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached && p.name == name {
		p.lastKnownWriteTime = stamp
	}
}

// CheckForWriteConflicts compares the persisted write timestamp against the
// cached one and publishes timeConflict when the store has been written by
// someone else since. It never fails; read errors are logged and reported as
// no conflict.
func (p *Project) CheckForWriteConflicts(ctx context.Context) bool {
	p.mu.Lock()
	name, attached := p.name, p.attached
	p.mu.Unlock()
	if !attached {
		return false
	}

	var stored int64
	err := p.withSession(ctx, name, func(s *Session) error {
		var err error
		stored, err = s.LastWriteTime(ctx)
		return err
	})
	if err != nil {
		p.logger.Warn("could not check for write conflicts", "project", name, "error", err)
		return false
	}

	p.mu.Lock()
	if !p.attached || p.name != name {
		p.mu.Unlock()
		return false
	}
	if p.lastKnownWriteTime == 0 {
		p.lastKnownWriteTime = stored
	}
	known := p.lastKnownWriteTime
	p.mu.Unlock()

	if stored <= known {
		return false
	}
	p.logger.Warn("project written by another session", "project", name, "persisted", stored, "known", known)
	p.metrics.conflict()
	p.emit(ctx, name, events.TopicTimeConflict)
	return true
}

func (p *Project) emit(ctx context.Context, name, topic string) {
	pub, err := p.events.GetPublisher(name, topic)
	if err != nil {
		p.logger.Warn("no publisher for topic", "topic", topic, "error", err)
		return
	}
	if err := pub.Publish(ctx, events.Payload{}); err != nil {
		p.logger.Warn("failed to publish notification", "topic", topic, "error", err)
	}
}
