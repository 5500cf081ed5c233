// Package recording is the user-facing control surface: one toggle that
// starts and stops the capture, and a download of the last N minutes.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"screenkeep/internal/capture"
	"screenkeep/internal/chunkstore"
	"screenkeep/internal/export"
	"screenkeep/internal/retention"
)

// ErrBusy is returned when a toggle arrives while another one, or an
// interruption stop, is still running.
var ErrBusy = errors.New("recording: another start or stop is in progress")

const saveTimeout = 2 * time.Minute

type Action string

const (
	ActionStarted Action = "started"
	ActionStopped Action = "stopped"
)

// Result describes what a toggle did. Artifact is nil when the stopped
// recording had no chunks.
type Result struct {
	Action    Action              `json:"action"`
	SessionID string              `json:"session_id,omitempty"`
	Artifact  *retention.Artifact `json:"artifact,omitempty"`
	Empty     bool                `json:"empty,omitempty"`
}

type Status struct {
	State         capture.State  `json:"state"`
	Processing    bool           `json:"processing"`
	Session       capture.Status `json:"session"`
	WindowMinutes int            `json:"window_minutes"`
	ContentType   string         `json:"content_type"`
}

type Options struct {
	// WindowMinutes is the DownloadLast default.
	WindowMinutes int
	Saver         export.Saver
	Notifier      Notifier
}

type Controller struct {
	session   *capture.Session
	store     chunkstore.Store
	assembler *retention.Assembler
	saver     export.Saver
	notifier  Notifier
	window    int

	busy       atomic.Bool
	processing atomic.Bool
	saves      sync.WaitGroup

	quit      chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
}

// NewController wires the session, store and assembler together and starts
// watching the session for interruptions. Close stops the watcher.
func NewController(session *capture.Session, store chunkstore.Store, assembler *retention.Assembler, opts Options) *Controller {
	if opts.WindowMinutes <= 0 {
		opts.WindowMinutes = retention.DefaultWindowMinutes
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	c := &Controller{
		session:   session,
		store:     store,
		assembler: assembler,
		saver:     opts.Saver,
		notifier:  opts.Notifier,
		window:    opts.WindowMinutes,
		quit:      make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	go c.watch()
	return c
}

func (c *Controller) Status() Status {
	st := c.session.Status()
	return Status{
		State:         st.State,
		Processing:    c.processing.Load(),
		Session:       st,
		WindowMinutes: c.window,
		ContentType:   c.session.Format().ContentType,
	}
}

// Processing reports whether a stop sequence is assembling the recording.
func (c *Controller) Processing() bool { return c.processing.Load() }

// Toggle starts capturing when idle and runs the stop sequence otherwise.
func (c *Controller) Toggle(ctx context.Context) (*Result, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)

	if c.session.State() != capture.StateIdle {
		return c.stop(ctx)
	}

	if err := c.session.Start(ctx); err != nil {
		c.publish(Event{Type: EventFailed, Error: err.Error()})
		return nil, err
	}
	id := c.session.Status().SessionID
	c.publish(Event{Type: EventStarted, SessionID: id})
	return &Result{Action: ActionStarted, SessionID: id}, nil
}

// stop ends the capture, assembles everything that was stored and clears
// the store. The caller holds busy.
func (c *Controller) stop(ctx context.Context) (*Result, error) {
	c.processing.Store(true)
	defer c.processing.Store(false)

	id := c.session.Status().SessionID
	c.publish(Event{Type: EventProcessing, SessionID: id})

	if err := c.session.Stop(ctx); err != nil {
		log.Warn().Err(err).Str("session", id).Msg("Controller: stop reported an error")
	}
	if st := c.session.State(); st != capture.StateIdle {
		err := fmt.Errorf("recording: session still %s after stop", st)
		c.publish(Event{Type: EventFailed, SessionID: id, Error: err.Error()})
		return nil, err
	}

	art, err := c.assembler.AssembleFull(ctx)
	switch {
	case errors.Is(err, retention.ErrEmptyRecording):
		c.clear(ctx, id)
		log.Info().Str("session", id).Msg("Controller: recording was empty")
		c.publish(Event{Type: EventEmpty, SessionID: id})
		return &Result{Action: ActionStopped, SessionID: id, Empty: true}, nil
	case err != nil:
		// Chunks stay in the store so a later recovery can still save them.
		log.Error().Err(err).Str("session", id).Msg("Controller: assembly failed, keeping chunks")
		c.publish(Event{Type: EventFailed, SessionID: id, Error: err.Error()})
		return nil, err
	}

	c.saveAsync(art, id)
	c.clear(ctx, id)
	c.publish(Event{Type: EventStopped, SessionID: id, Artifact: art})
	return &Result{Action: ActionStopped, SessionID: id, Artifact: art}, nil
}

func (c *Controller) clear(ctx context.Context, id string) {
	if err := c.store.Clear(ctx); err != nil {
		log.Error().Err(err).Str("session", id).Msg("Controller: failed to clear chunk store")
	}
}

// DownloadLast assembles the trailing window without touching the capture.
// A nil artifact with a nil error means there was nothing to assemble.
func (c *Controller) DownloadLast(ctx context.Context, minutes int) (*retention.Artifact, error) {
	if minutes <= 0 {
		minutes = c.window
	}
	if c.session.State() == capture.StateCapturing {
		if err := c.session.FlushNow(ctx); err != nil {
			log.Warn().Err(err).Msg("Controller: flush before download failed")
		}
	}

	art, err := c.assembler.AssembleWindow(ctx, minutes)
	if err != nil {
		return nil, err
	}
	if art == nil {
		log.Info().Int("minutes", minutes).Msg("Controller: nothing to download")
		return nil, nil
	}
	c.saveAsync(art, "")
	return art, nil
}

// Recover saves chunks a previous run left behind and clears them. It must
// run before the first capture starts.
func (c *Controller) Recover(ctx context.Context) (*retention.Artifact, error) {
	if st := c.session.State(); st != capture.StateIdle {
		return nil, fmt.Errorf("recording: cannot recover while %s", st)
	}
	art, err := c.assembler.AssembleRecovered(ctx)
	if err != nil || art == nil {
		return nil, err
	}

	if c.saver != nil {
		if err := c.saver.Save(ctx, art); err != nil {
			return nil, fmt.Errorf("save recovered recording: %w", err)
		}
	}
	if err := c.store.Clear(ctx); err != nil {
		return art, fmt.Errorf("clear after recovery: %w", err)
	}
	log.Warn().Int("chunks", art.ChunkCount).Str("file", art.FileName).Msg("Controller: recovered recording from a previous run")
	c.publish(Event{Type: EventArtifact, Artifact: art})
	return art, nil
}

// Shutdown stops the watcher, runs the stop sequence if a capture is live
// and waits for pending saves. Toggles are rejected afterwards.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Close()

	if !c.waitBusy(ctx.Done()) {
		return ctx.Err()
	}

	var err error
	if c.session.State() != capture.StateIdle {
		_, err = c.stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		c.saves.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Close stops the interruption watcher.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.watchDone
}

func (c *Controller) watch() {
	defer close(c.watchDone)
	for {
		select {
		case <-c.quit:
			return
		case intr := <-c.session.Interrupted():
			c.handleInterruption(intr)
		}
	}
}

// handleInterruption turns a stream that ended on its own into a normal
// stop, so whatever was captured is still assembled and saved.
func (c *Controller) handleInterruption(intr capture.Interruption) {
	c.publish(Event{Type: EventInterrupted, SessionID: intr.SessionID, Error: intr.Err.Error()})

	// The toggle that started this session may still hold busy; wait for it
	// instead of dropping the interruption.
	if !c.waitBusy(c.quit) {
		return
	}
	defer c.busy.Store(false)

	st := c.session.Status()
	if st.SessionID != intr.SessionID || st.State != capture.StateCapturing {
		log.Info().Str("session", intr.SessionID).Msg("Controller: interrupted session already stopped")
		return
	}
	log.Warn().Str("session", intr.SessionID).Msg("Controller: capture interrupted, saving what was recorded")
	if _, err := c.stop(context.Background()); err != nil {
		log.Error().Err(err).Str("session", intr.SessionID).Msg("Controller: stop after interruption failed")
	}
}

// waitBusy takes the busy flag, polling until it is free. It gives up and
// returns false once done is closed.
func (c *Controller) waitBusy(done <-chan struct{}) bool {
	if c.busy.CompareAndSwap(false, true) {
		return true
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return false
		case <-ticker.C:
			if c.busy.CompareAndSwap(false, true) {
				return true
			}
		}
	}
}

func (c *Controller) saveAsync(art *retention.Artifact, sessionID string) {
	if c.saver == nil {
		c.publish(Event{Type: EventArtifact, SessionID: sessionID, Artifact: art})
		return
	}
	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		if err := c.saver.Save(ctx, art); err != nil {
			log.Error().Err(err).Str("file", art.FileName).Msg("Controller: artifact save failed")
			c.publish(Event{Type: EventFailed, SessionID: sessionID, Error: err.Error()})
			return
		}
		c.publish(Event{Type: EventArtifact, SessionID: sessionID, Artifact: art})
	}()
}

func (c *Controller) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	c.notifier.Publish(e)
}
