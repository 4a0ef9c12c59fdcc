// Package supervisor wires together the Store, per-node clients, Identity
// Resolver, Policy Engine, Event Ingestor and Sync Worker into one running
// process (spec §4.7), and answers the HTTP server's liveness/readiness
// questions.
package supervisor

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/syncd/errors"
	"github.com/teranos/syncd/internal/config"
	"github.com/teranos/syncd/internal/cooldown"
	"github.com/teranos/syncd/internal/ingest"
	"github.com/teranos/syncd/internal/logger"
	"github.com/teranos/syncd/internal/nodeapi"
	"github.com/teranos/syncd/internal/policy"
	"github.com/teranos/syncd/internal/resolver"
	"github.com/teranos/syncd/internal/store"
	"github.com/teranos/syncd/internal/worker"
)

// healthProbeInterval controls how often node reachability is refreshed for
// /readyz; independent of the worker's own tick interval so a slow node
// doesn't also starve readiness reporting.
const healthProbeInterval = 15 * time.Second

// Supervisor owns the process lifecycle: opening the store, constructing
// every component, starting the worker loop, and draining it on shutdown.
type Supervisor struct {
	db     *sql.DB
	store  *store.Store
	nodes  map[string]*nodeapi.Client
	worker *worker.Worker
	ingest *ingest.Ingestor
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	reachable    map[string]bool
	unauthorized map[string]bool
	running      bool
}

// New opens and migrates the database and constructs every component from
// cfg, but starts no background work; call Start to begin the worker loop
// and the node-health prober.
func New(cfg *config.Config) (*Supervisor, error) {
	db, err := store.OpenWithMigrations(cfg.Database.Path, logger.ComponentLogger("store"))
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: open store")
	}

	s := store.New(db)

	nodes := make(map[string]*nodeapi.Client, len(cfg.Servers))
	nodeInfos := make([]ingest.NodeInfo, 0, len(cfg.Servers))
	resolverNodes := make(map[string]resolver.NodeClient, len(cfg.Servers))
	workerNodes := make(map[string]worker.NodeClient, len(cfg.Servers))
	for _, sv := range cfg.Servers {
		client := nodeapi.New(nodeapi.Config{
			Name:         sv.Name,
			BaseURL:      sv.URL,
			APIKey:       sv.APIKey,
			Passwordless: sv.Passwordless,
		})
		nodes[sv.Name] = client
		nodeInfos = append(nodeInfos, ingest.NodeInfo{Name: sv.Name, Passwordless: sv.Passwordless})
		resolverNodes[sv.Name] = nodeapi.AsResolverClient(client)
		workerNodes[sv.Name] = client
	}

	res := resolver.New(s, s, resolverNodes)

	rules := make([]policy.Rule, 0, len(cfg.PathSyncPolicy))
	for _, p := range cfg.PathSyncPolicy {
		rules = append(rules, policy.Rule{
			Prefix:            p.Prefix,
			AbsentRetryCount:  p.AbsentRetryCount,
			RetryDelaySeconds: p.RetryDelaySeconds,
		})
	}
	policyEngine := policy.NewEngine(rules)

	cooldownSet := cooldown.New()

	ctx, cancel := context.WithCancel(context.Background())

	sup := &Supervisor{
		db:           db,
		store:        s,
		nodes:        nodes,
		log:          logger.ComponentLogger("supervisor"),
		ctx:          ctx,
		cancel:       cancel,
		reachable:    make(map[string]bool, len(nodes)),
		unauthorized: make(map[string]bool, len(nodes)),
	}

	workerCfg := worker.Config{
		Interval:       time.Duration(cfg.Sync.WorkerIntervalSeconds) * time.Second,
		BatchSize:      worker.DefaultConfig().BatchSize,
		MaxRetries:     cfg.Sync.MaxRetries,
		OnUnauthorized: sup.markUnauthorized,
	}
	sup.worker = worker.New(ctx, s, res, policyEngine, cooldownSet, s, workerNodes, workerCfg, logger.ComponentLogger("worker"))

	sup.ingest = ingest.New(s, ingest.Config{
		Nodes:               nodeInfos,
		ProgressDebounceSec: cfg.Sync.ProgressDebounceSeconds,
		Toggles: ingest.Toggles{
			DisableProgress:  !cfg.Sync.PlaybackProgress,
			DisableWatched:   !cfg.Sync.WatchedStatus,
			DisableFavorites: !cfg.Sync.Favorites,
			DisableRatings:   !cfg.Sync.Ratings,
			DisablePlaylists: !cfg.Sync.Playlists,
		},
	})

	return sup, nil
}

// Ingestor exposes the wired Event Ingestor for the HTTP server's webhook
// handler.
func (s *Supervisor) Ingestor() *ingest.Ingestor { return s.ingest }

// Store exposes the wired Store for the HTTP server's read-only
// projections.
func (s *Supervisor) Store() *store.Store { return s.store }

// Start begins the worker loop and the background node-health prober.
func (s *Supervisor) Start() error {
	if err := s.worker.Start(); err != nil {
		return errors.Wrap(err, "supervisor: start worker")
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.probeLoop()

	s.log.Infow("supervisor started", "nodes", len(s.nodes))
	return nil
}

// Stop drains the worker (bounded by drainTimeout, §5's 10s grace period)
// and closes the database.
func (s *Supervisor) Stop(drainTimeout time.Duration) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.worker.Stop(stopCtx); err != nil {
		s.log.Warnw("worker did not drain within timeout", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "supervisor: close store")
	}
	s.log.Info("supervisor stopped")
	return nil
}

// Ready reports whether /readyz should return 200 (§6): the store must be
// open, the worker loop running, and at least one node reachable.
func (s *Supervisor) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return false
	}
	if s.db.Ping() != nil {
		return false
	}
	for _, ok := range s.reachable {
		if ok {
			return true
		}
	}
	return len(s.nodes) == 0
}

// NodeStatus reports the last-probed reachability and unauthorized state
// per node, for the /api/status projection.
func (s *Supervisor) NodeStatus() map[string]NodeHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]NodeHealth, len(s.nodes))
	for name := range s.nodes {
		out[name] = NodeHealth{
			Reachable:    s.reachable[name],
			Unauthorized: s.unauthorized[name],
		}
	}
	return out
}

// NodeHealth is one node's last-known reachability, surfaced via
// /api/status.
type NodeHealth struct {
	Reachable    bool
	Unauthorized bool
}

func (s *Supervisor) markUnauthorized(node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthorized[node] = true
}

func (s *Supervisor) probeLoop() {
	defer s.wg.Done()
	s.probeOnce()

	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.probeOnce()
		}
	}
}

func (s *Supervisor) probeOnce() {
	for name, client := range s.nodes {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		reachable, _, err := client.Health(ctx)
		cancel()
		s.mu.Lock()
		if err != nil {
			s.reachable[name] = false
			if errors.Is(err, errors.ErrUnauthorized) {
				s.unauthorized[name] = true
			}
		} else {
			s.reachable[name] = reachable
			if reachable {
				s.unauthorized[name] = false
			}
		}
		s.mu.Unlock()
	}
}
