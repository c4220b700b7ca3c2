package federation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/gitswarm/gitswarm/internal/adapters/git"
	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/events"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/merge"
	"github.com/gitswarm/gitswarm/internal/plugins"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/stabilize"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	gitswarmsync "github.com/gitswarm/gitswarm/internal/sync"
)

// DataDirName is the per-repo gitswarm directory.
const DataDirName = ".gitswarm"

// File names inside the data directory.
const (
	dbFile         = "gitswarm.db"
	configFile     = "config.json"
	lockFile       = "merge.lock"
	repoConfigName = "gitswarm.yaml"
	pluginsFile    = "plugins.yaml"
)

// Context is the process-lifetime bundle of everything a command needs.
type Context struct {
	RepoRoot string
	DataDir  string

	Store      *store.Store
	Git        *git.Adapter
	GitClient  *git.Client
	Policy     *policy.Engine
	Streams    *stream.Registry
	Merges     *merge.Orchestrator
	Stabilizer *stabilize.Stabilizer
	Promoter   *stabilize.BranchPromoter
	Stage      *stage.Engine
	Bus        *events.Bus
	Plugins    *plugins.Runner
	Config     *LocalConfig
	Dispatcher *gitswarmsync.Dispatcher
	Poller     *gitswarmsync.Poller
	SyncClient *gitswarmsync.Client
	Logger     *logging.Logger

	Repo *core.Repository

	pumps stdsync.WaitGroup
}

// InitOptions configures a fresh federation.
type InitOptions struct {
	RepoName           string
	OwnershipModel     core.OwnershipModel
	MergeMode          core.MergeMode
	AccessMode         core.AccessMode
	ConsensusThreshold float64
	MinReviews         int
	BufferBranch       string
	PromoteTarget      string
	StabilizeCommand   string
	AutoPromoteOnGreen bool
	AutoRevertOnRed    bool
}

// Init creates the gitswarm data directory inside an existing git repo
// and seeds the policy database.
func Init(ctx context.Context, repoPath string, opts InitOptions, logger *logging.Logger) (*Context, error) {
	client, err := git.NewClient(repoPath)
	if err != nil {
		return nil, err
	}
	repoRoot := client.RepoPath()
	dataDir := filepath.Join(repoRoot, DataDirName)

	if _, err := os.Stat(filepath.Join(dataDir, dbFile)); err == nil {
		return nil, core.ErrState(core.CodeBadConfig,
			fmt.Sprintf("%s is already initialized", repoRoot))
	}

	st, err := store.Open(filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, err
	}

	repo := &core.Repository{
		Name:               opts.RepoName,
		OwnershipModel:     opts.OwnershipModel,
		MergeMode:          opts.MergeMode,
		AccessMode:         opts.AccessMode,
		ConsensusThreshold: opts.ConsensusThreshold,
		MinReviews:         opts.MinReviews,
		BufferBranch:       opts.BufferBranch,
		PromoteTarget:      opts.PromoteTarget,
		StabilizeCommand:   opts.StabilizeCommand,
		AutoPromoteOnGreen: opts.AutoPromoteOnGreen,
		AutoRevertOnRed:    opts.AutoRevertOnRed,
	}
	if repo.Name == "" {
		repo.Name = filepath.Base(repoRoot)
	}
	if err := st.CreateRepo(ctx, repo); err != nil {
		st.Close()
		return nil, err
	}

	// Default protection: the buffer and the release branch accept no
	// direct pushes, stream branches are open to writers.
	rules := []core.BranchRule{
		{RepoID: repo.ID, Pattern: repo.BufferBranch, Priority: 100, DirectPush: core.DirectPushNone},
		{RepoID: repo.ID, Pattern: repo.PromoteTarget, Priority: 100, DirectPush: core.DirectPushMaintainers},
		{RepoID: repo.ID, Pattern: "swarm/*", Priority: 10, DirectPush: core.DirectPushAll},
	}
	if err := st.ReplaceBranchRules(ctx, repo.ID, rules); err != nil {
		st.Close()
		return nil, err
	}

	// Bootstrap the buffer branch off the current HEAD.
	exists, err := client.BranchExists(ctx, repo.BufferBranch)
	if err == nil && !exists {
		err = client.CreateBranch(ctx, repo.BufferBranch, "HEAD")
	}
	if err != nil {
		st.Close()
		return nil, err
	}

	st.Close()
	return Open(ctx, repoRoot, logger)
}

// Open locates the gitswarm data directory by walking up from
// startPath and assembles the component bundle.
func Open(ctx context.Context, startPath string, logger *logging.Logger) (*Context, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	repoRoot, dataDir, err := findDataDir(startPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, err
	}

	fc := &Context{
		RepoRoot: repoRoot,
		DataDir:  dataDir,
		Store:    st,
		Logger:   logger,
	}
	if err := fc.assemble(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return fc, nil
}

func (c *Context) assemble(ctx context.Context) error {
	cfg, err := LoadLocalConfig(filepath.Join(c.DataDir, configFile))
	if err != nil {
		return err
	}
	c.Config = cfg

	repo, err := c.Store.GetDefaultRepo(ctx)
	if err != nil {
		return err
	}
	c.Repo = repo

	// Repo-embedded configuration wins over stale database values.
	if err := ApplyRepoConfig(ctx, c.Store, repo.ID, filepath.Join(c.DataDir, repoConfigName), c.Logger); err != nil {
		c.Logger.Warn("applying repo config failed", "error", err)
	}
	if repo, err = c.Store.GetRepo(ctx, repo.ID); err != nil {
		return err
	}
	c.Repo = repo

	client, err := git.NewClient(c.RepoRoot)
	if err != nil {
		return err
	}
	c.GitClient = client

	adapter, err := git.NewAdapter(client, c.DataDir)
	if err != nil {
		return err
	}
	c.Git = adapter

	c.Bus = events.New(100)
	c.Policy = policy.NewEngine(c.Store, c.Logger)
	c.Streams = stream.NewRegistry(c.Store, adapter, c.Policy, c.Bus, c.Logger)

	lock := merge.NewLock(filepath.Join(c.DataDir, lockFile))
	c.Merges = merge.NewOrchestrator(c.Store, adapter, c.Policy, c.Bus, lock, c.Logger)
	c.Streams.SetMerger(c.Merges)

	c.Promoter = stabilize.NewBranchPromoter(c.Store, adapter, c.Policy, c.Bus, c.Logger)
	c.Stabilizer = stabilize.NewStabilizer(c.Store, adapter, client, c.Bus, c.Logger, c.RepoRoot)
	c.Stage = stage.NewEngine(c.Store, c.Logger)

	// Restore the sync client from saved connection state.
	if url := cfg.GetString(KeyServerURL); url != "" {
		c.SyncClient = gitswarmsync.NewClient(url, cfg.GetString(KeyAPIKey), c.Logger)
	}
	c.Dispatcher = gitswarmsync.NewDispatcher(c.Store, c.SyncClient, c.Logger)
	c.Poller = gitswarmsync.NewPoller(c.Store, c.SyncClient, c.Logger)
	c.Merges.SetCoordinator(c.Dispatcher)

	c.Plugins = plugins.NewRunner(c.Store, c.Bus, c.Logger, repo.ID)
	if repo.PluginsEnabled {
		pf, err := plugins.LoadFile(filepath.Join(c.DataDir, pluginsFile))
		if err != nil {
			c.Logger.Warn("loading plugin configuration failed", "error", err)
		} else {
			c.Plugins.Load(pf, plugins.BuiltinRegistry())
		}
	}

	c.startPumps()
	return nil
}

// startPumps attaches the two bus consumers: the coordinator forwarder
// and the plugin runner. Both subscriptions exist before any command
// logic runs, and Close drains them, so every event published during a
// command is forwarded and dispatched before the process exits.
func (c *Context) startPumps() {
	fwd := c.Bus.SubscribePriority()
	plug := c.Plugins.Attach()
	dispatcher := c.Dispatcher

	c.pumps.Add(2)
	go func() {
		defer c.pumps.Done()
		for ev := range fwd {
			dispatcher.Forward(context.Background(), ev)
		}
	}()
	go func() {
		defer c.pumps.Done()
		c.Plugins.Run(context.Background(), plug)
	}()
}

// findDataDir walks up from startPath until it sees the gitswarm
// directory.
func findDataDir(startPath string) (string, string, error) {
	dir, err := filepath.Abs(startPath)
	if err != nil {
		return "", "", err
	}
	for {
		candidate := filepath.Join(dir, DataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return dir, candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", core.ErrNotFound(core.CodeRepoNotFound, "gitswarm repository", startPath)
		}
		dir = parent
	}
}

// Close drains the event pumps and releases process resources. The
// store stays open until the pumps finish so queued events land in the
// database.
func (c *Context) Close() error {
	if c.Bus != nil {
		c.Bus.Close()
	}
	c.pumps.Wait()
	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}

// ConnectServer persists the coordinator connection, registers the repo
// if the server does not know it, moves consensus authority to the
// server and flushes anything queued while offline.
func (c *Context) ConnectServer(ctx context.Context, url, apiKey, agentID string) error {
	client := gitswarmsync.NewClient(url, apiKey, c.Logger)
	if err := client.Ping(ctx); err != nil {
		return err
	}

	resp, err := client.RegisterRepo(ctx, map[string]interface{}{
		"repo_id":  c.Repo.ID,
		"name":     c.Repo.Name,
		"agent_id": agentID,
	})
	if err != nil {
		return err
	}
	if org, ok := resp["org"].(string); ok && org != "" {
		c.Logger.Info("repo registered with coordinator", "org", org)
	}

	c.Config.Set(KeyServerURL, url)
	c.Config.Set(KeyAPIKey, apiKey)
	c.Config.Set(KeyAgentID, agentID)
	if err := c.Config.Save(); err != nil {
		return err
	}

	// Split-brain prevention: from now on the server owns consensus.
	if err := c.Store.SetConsensusAuthority(ctx, c.Repo.ID, core.AuthorityServer); err != nil {
		return err
	}
	c.Repo.ConsensusAuthority = core.AuthorityServer

	// Swap the client into the existing dispatcher: the bus forwarder
	// holds a reference to it, so replacing the dispatcher would leave
	// the forwarder queueing against a disconnected one.
	c.SyncClient = client
	c.Dispatcher.SetClient(client)
	c.Poller = gitswarmsync.NewPoller(c.Store, client, c.Logger)

	report, err := c.Dispatcher.FlushQueue(ctx)
	if err != nil {
		c.Logger.Warn("initial flush after connect failed", "error", err)
		return nil
	}
	c.Config.SetTime(KeyLastSync, time.Now())
	if err := c.Config.Save(); err != nil {
		c.Logger.Warn("saving sync watermark failed", "error", err)
	}
	c.Logger.Info("connected to coordinator",
		"url", url, "flushed", report.Sent, "duplicates", report.Duplicates, "remaining", report.Remaining)
	return nil
}
