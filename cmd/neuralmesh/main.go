package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synapticmesh/core"
	"synapticmesh/pkg/config"
)

// node bundles every subsystem a running mesh node needs, built once from
// the loaded configuration and reused by every subcommand that needs live
// state (the control surface operations all act on this).
type node struct {
	cfg       *config.Config
	backend   core.Backend
	store     core.Store
	events    *core.EventBus
	agents    *core.AgentManager
	topology  *core.Topology
	consensus *core.ConsensusEngine
	transport *core.Transport
	coord     *core.Coordinator
	metrics   *core.HealthLogger
	self      core.PeerID
}

func buildNode(ctx context.Context, cfg *config.Config) (*node, error) {
	// Backend.RemoteTarget selects the gRPC-backed numeric service; wiring a
	// live NumericServiceClient stub is left to the deployment that provides
	// its generated client, so local backends are used here.
	var backend core.Backend
	if cfg.Agents.SIMDEnabled {
		backend = core.NewBackend(uint64(cfg.Agents.MemoryLimitPerAgent)*uint64(cfg.Agents.MaxAgents), cfg.Backend.Seed)
	} else {
		backend = core.NewScalarBackend(uint64(cfg.Agents.MemoryLimitPerAgent)*uint64(cfg.Agents.MaxAgents), cfg.Backend.Seed)
	}

	var store core.Store = core.NoopStore{}
	if cfg.Persistence.Enabled {
		fs, err := core.NewFileStore(cfg.Persistence.Path)
		if err != nil {
			return nil, fmt.Errorf("open persistence store: %w", err)
		}
		store = fs
	}

	events := core.NewEventBus(256)
	agents := core.NewAgentManager(core.AgentManagerConfig{
		MaxAgents:            cfg.Agents.MaxAgents,
		MemoryLimitPerAgent:  cfg.Agents.MemoryLimitPerAgent,
		InferenceTimeout:     cfg.Agents.InferenceTimeout,
		SpawnTimeout:         cfg.Agents.SpawnTimeout,
		CrossLearningEnabled: cfg.Agents.CrossLearningEnabled,
		PersistenceEnabled:   cfg.Persistence.Enabled,
	}, backend, store, events)

	self := core.PeerID(fmt.Sprintf("node-%d", time.Now().UnixNano()))

	var topology *core.Topology
	if cfg.Network.EnableP2P {
		topology = core.NewTopology(core.TopologyConfig{
			Algorithm:          topologyAlgorithmFromString(cfg.Network.TopologyAlgorithm),
			StaleThreshold:     cfg.Network.StaleThreshold,
			MonitoringInterval: cfg.Network.MonitoringInterval,
			RecoveryTimeout:    cfg.Network.NetworkTimeout,
		}, self)
	}

	var consensus *core.ConsensusEngine
	if cfg.Consensus.Enabled {
		ids := make([]core.PeerID, 0, len(cfg.Consensus.ValidatorNodes))
		for _, v := range cfg.Consensus.ValidatorNodes {
			ids = append(ids, core.PeerID(v))
		}
		vs, err := core.NewValidatorSet(ids)
		if err != nil {
			return nil, fmt.Errorf("build validator set: %w", err)
		}
		consensus = core.NewConsensusEngine(core.ConsensusConfig{
			BlockTime:        cfg.Consensus.BlockTime,
			RoundTimeout:     cfg.Consensus.ConsensusTimeout,
			ConsensusTimeout: cfg.Consensus.ConsensusTimeout,
			MaxBlockBytes:    cfg.Consensus.MaxBlockSizeBytes,
		}, vs, self, events)
	}

	n := &node{cfg: cfg, backend: backend, store: store, events: events, agents: agents, topology: topology, consensus: consensus, self: self}

	var transport *core.Transport
	if cfg.Network.EnableP2P {
		t, err := core.NewTransport(ctx, core.TransportConfig{
			ListenAddrs:       []string{cfg.Network.ListenAddr},
			BootstrapPeers:    cfg.Network.BootstrapPeers,
			HeartbeatInterval: cfg.Network.HeartbeatInterval,
		}, self, nil)
		if err != nil {
			return nil, fmt.Errorf("start transport: %w", err)
		}
		transport = t
	}
	n.transport = transport

	coord := core.NewCoordinator(core.CoordinatorConfig{
		NeuralSyncTTL:        2,
		HealthReportInterval: cfg.Network.MonitoringInterval,
	}, self, agents, topology, consensus, transport)
	if transport != nil {
		transport.SetDispatcher(coord)
	}
	n.coord = coord

	n.metrics = core.NewHealthLogger(
		func() core.MetricsSnapshot { return agents.SnapshotMetrics() },
		func() core.HealthSnapshot {
			hs := core.HealthSnapshot{HealthScore: agents.SnapshotMetrics().HealthScore}
			if topology != nil {
				hs.MeshDensity = topology.MeshDensity()
				hs.NetworkHealth = topology.NetworkHealth()
			}
			if consensus != nil {
				hs.ConsensusHeight = consensus.Height()
			}
			return hs
		},
	)

	return n, nil
}

func topologyAlgorithmFromString(s string) core.TopologyAlgorithm {
	switch strings.ToLower(s) {
	case "nearest_latency", "nearest-latency":
		return core.TopologyNearestLatency
	case "small_world", "small-world":
		return core.TopologySmallWorld
	case "scale_free", "scale-free":
		return core.TopologyScaleFree
	default:
		return core.TopologyAdaptive
	}
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var envName string
	rootCmd := &cobra.Command{Use: "neuralmesh", Short: "Synaptic neural mesh node"}
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "environment overlay config name")

	rootCmd.AddCommand(runCmd(&envName))
	rootCmd.AddCommand(spawnCmd(&envName))
	rootCmd.AddCommand(inferCmd(&envName))
	rootCmd.AddCommand(trainCmd(&envName))
	rootCmd.AddCommand(shareCmd(&envName))
	rootCmd.AddCommand(terminateCmd(&envName))
	rootCmd.AddCommand(metricsCmd(&envName))

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func loadConfig(env string) (*config.Config, error) {
	if env != "" {
		return config.Load(env)
	}
	return config.LoadFromEnv()
}

// runCmd starts a long-lived node: spins up every enabled subsystem, serves
// /metrics and /healthz, and blocks until SIGINT/SIGTERM.
func runCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run a mesh node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*env)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			n, err := buildNode(ctx, cfg)
			if err != nil {
				return err
			}
			n.coord.Run(ctx)

			srv := &http.Server{Addr: cfg.Metrics.HTTPAddr, Handler: n.metrics.Router()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logrus.WithError(err).Error("metrics server stopped")
				}
			}()
			go n.metrics.Run(ctx, 5*time.Second)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logrus.Info("shutting down")
			n.coord.Stop()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
			_ = n.store.Close()
			return nil
		},
	}
}

func spawnCmd(env *string) *cobra.Command {
	var kind, activation string
	var arch string
	var lr float64
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "spawn a single agent and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*env)
			if err != nil {
				return err
			}
			ctx := context.Background()
			n, err := buildNode(ctx, cfg)
			if err != nil {
				return err
			}
			acfg, err := parseAgentConfig(kind, activation, arch, lr)
			if err != nil {
				return err
			}
			id, err := n.agents.Spawn(ctx, acfg)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "mlp", "network kind: mlp|lstm|cnn|transformer")
	cmd.Flags().StringVar(&activation, "activation", "relu", "activation: relu|sigmoid|tanh|linear")
	cmd.Flags().StringVar(&arch, "architecture", "4,8,2", "comma-separated layer widths")
	cmd.Flags().Float64Var(&lr, "learning-rate", 0.01, "learning rate")
	return cmd
}

func parseAgentConfig(kind, activation, arch string, lr float64) (core.AgentConfig, error) {
	var nk core.NetworkKind
	switch strings.ToLower(kind) {
	case "mlp":
		nk = core.NetworkMLP
	case "lstm":
		nk = core.NetworkLSTM
	case "cnn":
		nk = core.NetworkCNN
	case "transformer":
		nk = core.NetworkTransformer
	default:
		return core.AgentConfig{}, fmt.Errorf("unknown network kind %q", kind)
	}
	var act core.Activation
	switch strings.ToLower(activation) {
	case "relu":
		act = core.ActivationReLU
	case "sigmoid":
		act = core.ActivationSigmoid
	case "tanh":
		act = core.ActivationTanh
	case "linear":
		act = core.ActivationLinear
	default:
		return core.AgentConfig{}, fmt.Errorf("unknown activation %q", activation)
	}
	parts := strings.Split(arch, ",")
	layers := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return core.AgentConfig{}, fmt.Errorf("invalid architecture component %q: %w", p, err)
		}
		layers = append(layers, v)
	}
	return core.AgentConfig{NetworkKind: nk, Architecture: layers, Activation: act, LearningRate: lr}, nil
}

func inferCmd(env *string) *cobra.Command {
	var agentID string
	var inputCSV string
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "run inference on an agent of a freshly built node (agents of earlier processes are not reloaded)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*env)
			if err != nil {
				return err
			}
			ctx := context.Background()
			n, err := buildNode(ctx, cfg)
			if err != nil {
				return err
			}
			inputs, err := parseFloatCSV(inputCSV)
			if err != nil {
				return err
			}
			out, err := n.agents.RunInference(ctx, core.AgentID(agentID), inputs)
			if err != nil {
				return err
			}
			data, _ := json.Marshal(out)
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&inputCSV, "inputs", "", "comma-separated input values")
	return cmd
}

func parseFloatCSV(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func trainCmd(env *string) *cobra.Command {
	var agentID string
	var epochs int
	cmd := &cobra.Command{
		Use:   "train",
		Short: "run a training session against an agent with an empty sample set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*env)
			if err != nil {
				return err
			}
			ctx := context.Background()
			n, err := buildNode(ctx, cfg)
			if err != nil {
				return err
			}
			session, err := n.agents.Train(ctx, core.AgentID(agentID), nil, epochs)
			if err != nil {
				return err
			}
			fmt.Printf("final_accuracy=%.4f convergence_epoch=%d\n", session.FinalAccuracy, session.ConvergenceEpoch)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().IntVar(&epochs, "epochs", 1, "training epochs")
	return cmd
}

func shareCmd(env *string) *cobra.Command {
	var source string
	var targets string
	var blend float64
	cmd := &cobra.Command{
		Use:   "share",
		Short: "share knowledge from one agent to one or more targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*env)
			if err != nil {
				return err
			}
			ctx := context.Background()
			n, err := buildNode(ctx, cfg)
			if err != nil {
				return err
			}
			var ids []core.AgentID
			for _, t := range strings.Split(targets, ",") {
				if t = strings.TrimSpace(t); t != "" {
					ids = append(ids, core.AgentID(t))
				}
			}
			return n.agents.ShareKnowledge(ctx, core.AgentID(source), ids, blend)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source agent id")
	cmd.Flags().StringVar(&targets, "targets", "", "comma-separated target agent ids")
	cmd.Flags().Float64Var(&blend, "blend", 0.5, "blend factor in [0,1]")
	return cmd
}

func terminateCmd(env *string) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "terminate an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*env)
			if err != nil {
				return err
			}
			ctx := context.Background()
			n, err := buildNode(ctx, cfg)
			if err != nil {
				return err
			}
			return n.agents.Terminate(core.AgentID(agentID))
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	return cmd
}

func metricsCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot-metrics",
		Short: "print a one-shot metrics snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*env)
			if err != nil {
				return err
			}
			ctx := context.Background()
			n, err := buildNode(ctx, cfg)
			if err != nil {
				return err
			}
			snap := n.agents.SnapshotMetrics()
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
