package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onebox-labs/onebox/internal/agent"
	"github.com/onebox-labs/onebox/internal/bus"
	"github.com/onebox-labs/onebox/internal/credential"
	"github.com/onebox-labs/onebox/internal/models"
)

// ErrAlreadyRunning is returned by Start when a non-stopped agent already
// exists for the key.
var ErrAlreadyRunning = errors.New("agent already running")

const (
	// panicBudget restarts are allowed per panicWindow before an agent is
	// parked in a permanent error state.
	panicBudget = 5
	panicWindow = time.Minute

	restartPause = 2 * time.Second
)

// Options are the per-agent tunables handed through to constructed agents,
// plus the supervisor's own shutdown deadline.
type Options struct {
	Agent            agent.Options
	ShutdownDeadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.ShutdownDeadline <= 0 {
		o.ShutdownDeadline = 10 * time.Second
	}
	return o
}

type entry struct {
	agent  *agent.Agent
	cancel context.CancelFunc
	done   chan struct{}

	state  models.AgentState
	panics []time.Time
}

// Supervisor owns every mailbox agent. It is the only component that may
// create or destroy them. The registry is mutated under a single mutex;
// status reads take a snapshot.
type Supervisor struct {
	mu     sync.Mutex
	agents map[models.AccountKey]*entry

	creds  credential.Store
	dialer agent.Dialer
	ingest agent.Ingestor
	bus    *bus.Bus
	opts   Options
}

func New(creds credential.Store, dialer agent.Dialer, ingest agent.Ingestor, b *bus.Bus, opts Options) *Supervisor {
	return &Supervisor{
		agents: make(map[models.AccountKey]*entry),
		creds:  creds,
		dialer: dialer,
		ingest: ingest,
		bus:    b,
		opts:   opts.withDefaults(),
	}
}

// Start constructs and runs an agent for the key. A second Start for a key
// whose agent has not stopped returns ErrAlreadyRunning.
func (s *Supervisor) Start(key models.AccountKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(key)
}

func (s *Supervisor) startLocked(key models.AccountKey) error {
	if e, ok := s.agents[key]; ok && !e.state.Terminal() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		cancel: cancel,
		done:   make(chan struct{}),
		state:  models.StateStarting(),
	}
	e.agent = agent.New(key, s.creds, s.dialer, s.ingest, s, s.opts.Agent)
	s.agents[key] = e

	go s.supervise(ctx, key, e)
	return nil
}

// supervise runs the agent goroutine, absorbing panics up to the restart
// budget.
func (s *Supervisor) supervise(ctx context.Context, key models.AccountKey, e *entry) {
	defer close(e.done)

	for {
		panicked := s.runOnce(ctx, key, e)
		if !panicked || ctx.Err() != nil {
			return
		}

		now := time.Now()
		recent := e.panics[:0]
		for _, t := range e.panics {
			if now.Sub(t) < panicWindow {
				recent = append(recent, t)
			}
		}
		e.panics = append(recent, now)

		if len(e.panics) > panicBudget {
			slog.Error("agent exceeded panic restart budget", "key", key.String())
			s.AgentStatus(key, models.StateError("crashed repeatedly, manual restart required"))
			return
		}
		slog.Warn("restarting agent after panic", "key", key.String(), "restarts", len(e.panics))
	}
}

func (s *Supervisor) runOnce(ctx context.Context, key models.AccountKey, e *entry) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			slog.Error("agent panicked", "key", key.String(), "panic", fmt.Sprint(r))
		}
	}()
	e.agent.Run(ctx)
	return false
}

// AgentStatus implements agent.StatusSink: it records the latest state and
// republishes the transition on the event bus.
func (s *Supervisor) AgentStatus(key models.AccountKey, state models.AgentState) {
	s.mu.Lock()
	if e, ok := s.agents[key]; ok {
		e.state = state
	}
	s.mu.Unlock()

	s.bus.Publish(bus.TopicStatus, models.StatusEvent{
		ID:     uuid.New(),
		UserID: key.UserID,
		Email:  key.Email,
		State:  state,
		At:     time.Now().UTC(),
	})
}

// Stop terminates the agent for the key and removes it from the registry
// once it has stopped. Idempotent.
func (s *Supervisor) Stop(key models.AccountKey) {
	s.mu.Lock()
	e, ok := s.agents[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	e.cancel()
	<-e.done

	s.mu.Lock()
	if s.agents[key] == e {
		delete(s.agents, key)
	}
	s.mu.Unlock()
}

// StopAll stops every agent belonging to the user.
func (s *Supervisor) StopAll(userID string) {
	for _, key := range s.keysFor(userID) {
		s.Stop(key)
	}
}

func (s *Supervisor) keysFor(userID string) []models.AccountKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []models.AccountKey
	for key := range s.agents {
		if key.UserID == userID {
			keys = append(keys, key)
		}
	}
	return keys
}

// Status returns the current state of every agent for the user.
func (s *Supervisor) Status(userID string) map[string]models.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.AgentState)
	for key, e := range s.agents {
		if key.UserID == userID {
			out[key.Email] = e.state
		}
	}
	return out
}

// Count returns the number of registered agents.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// RestartAll stops and restarts every agent, pausing between the two so
// upstream servers are not hammered. Failures are logged, never abort the
// loop.
func (s *Supervisor) RestartAll() {
	s.mu.Lock()
	keys := make([]models.AccountKey, 0, len(s.agents))
	for key := range s.agents {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.Stop(key)
		time.Sleep(restartPause)
		if err := s.Start(key); err != nil {
			slog.Error("restart failed", "key", key.String(), "error", err)
		}
	}
}

// EnsureForUser starts an agent for every account of the user that does
// not already have one. Existing agents are left untouched.
func (s *Supervisor) EnsureForUser(ctx context.Context, userID string) error {
	emails, err := s.creds.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing accounts for %s: %w", userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, email := range emails {
		key := models.AccountKey{UserID: userID, Email: email}
		if err := s.startLocked(key); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			slog.Error("ensure failed to start agent", "key", key.String(), "error", err)
		}
	}
	return nil
}

// Shutdown stops every agent in parallel. Agents that have not finished by
// the deadline are abandoned; their contexts stay canceled so in-flight
// work aborts.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	entries := make(map[models.AccountKey]*entry, len(s.agents))
	for key, e := range s.agents {
		entries[key] = e
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		e.cancel()
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			<-e.done
		}(e)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(s.opts.ShutdownDeadline):
		slog.Warn("shutdown deadline exceeded, abandoning remaining agents")
	}

	s.mu.Lock()
	for key, e := range entries {
		if s.agents[key] == e {
			delete(s.agents, key)
		}
	}
	s.mu.Unlock()
}
