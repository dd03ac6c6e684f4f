// Command ppcnode stands up the passive side of a PPC node: it loads the
// bootstrap config, builds the configured gateway transport, wires an
// Orchestrator/Guarder/Framework per supported algorithm, and registers
// the bsecdhpsi.Service for the browser-relayed variant. Driving a task
// (AsyncRunTask) is the job of the JSON-RPC/HTTP front-end, which is out
// of scope here (spec.md §1) — this binary only listens.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/wedpr-lab/ppc-node/channel"
	"github.com/wedpr-lab/ppc-node/config"
	"github.com/wedpr-lab/ppc-node/cryptosuite"
	"github.com/wedpr-lab/ppc-node/gateway"
	"github.com/wedpr-lab/ppc-node/log"
	"github.com/wedpr-lab/ppc-node/protocol"
	"github.com/wedpr-lab/ppc-node/psi"
	"github.com/wedpr-lab/ppc-node/psi/bsecdhpsi"
	"github.com/wedpr-lab/ppc-node/psi/cem"
	"github.com/wedpr-lab/ppc-node/psi/cm2020"
	"github.com/wedpr-lab/ppc-node/psi/ecdhpsi"
	"github.com/wedpr-lab/ppc-node/psi/labeledpsi"
	"github.com/wedpr-lab/ppc-node/task"
)

// version is set at release-build time via -ldflags; "dev" covers local
// and test builds.
var version = "dev"

// node bundles every long-lived component main wires up, so run can tear
// them all down symmetrically to how it brought them up.
type node struct {
	gw            gateway.Gateway
	orchestrators []*task.Orchestrator
	guarders      []*task.Guarder
	bsService     *bsecdhpsi.Service
}

func (n *node) stop() {
	for _, g := range n.guarders {
		g.StopPingTimer()
	}
	for _, o := range n.orchestrators {
		o.StopTaskInfoSync()
	}
	if n.bsService != nil {
		n.bsService.Stop()
	}
	if n.gw != nil {
		if err := n.gw.Close(); err != nil {
			log.Error("close gateway", "err", err)
		}
	}
}

func buildGateway(cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.Gateway {
	case config.GatewayGRPC:
		return gateway.NewGRPCGateway(cfg.PeerAddr), nil
	case config.GatewayWS, "":
		return gateway.NewWSGateway(cfg.PeerAddr), nil
	default:
		return nil, fmt.Errorf("unsupported gateway kind %q", cfg.Gateway)
	}
}

// wireAlgorithm builds the Orchestrator + Guarder + Framework triple
// shared by every psi.Engine-based algorithm (everything except
// bsecdhpsi, which is wired separately since it owns its transport via
// the browser relay instead of gateway.Gateway).
func wireAlgorithm(gw gateway.Gateway, taskType protocol.TaskType, engine psi.Engine, cfg *config.Config, reg prometheus.Registerer, channels *channel.Manager) (*task.Orchestrator, *task.Guarder, *psi.Framework) {
	algo := engine.Algorithm()
	orchestrator := task.NewOrchestrator(gw, taskType, algo, cfg.SelfAgency, cfg.MaxTasks, reg)
	guarder := task.NewGuarder(gw, taskType, algo, cfg.SelfAgency)
	registry := cryptosuite.Default(cfg.EnableSM)
	framework := psi.NewFramework(gw, taskType, cfg.SelfAgency, cfg.MaxTasks, registry, engine, orchestrator, channels)
	return orchestrator, guarder, framework
}

func run(cfg *config.Config) (*node, error) {
	gw, err := buildGateway(cfg)
	if err != nil {
		return nil, err
	}

	registry := cryptosuite.Default(cfg.EnableSM)
	reg := prometheus.DefaultRegisterer
	// channels is the node-wide Channel rendezvous (spec.md §4.3): one
	// Manager shared by every Framework/engine, keyed by taskID, which
	// are unique across algorithms.
	channels := channel.NewManager()

	n := &node{gw: gw}

	ecdhEngine := ecdhpsi.NewEngine(gw, registry, cfg.SelfAgency, channels)
	ecdhOrch, ecdhGuard, _ := wireAlgorithm(gw, protocol.TaskTypePSI, ecdhEngine, cfg, reg, channels)
	n.orchestrators = append(n.orchestrators, ecdhOrch)
	n.guarders = append(n.guarders, ecdhGuard)

	cemEngine := cem.NewEngine(gw, cfg.SelfAgency, cem.NewByteEqualCipher())
	cemOrch, cemGuard, _ := wireAlgorithm(gw, protocol.TaskTypeCEM, cemEngine, cfg, reg, channels)
	n.orchestrators = append(n.orchestrators, cemOrch)
	n.guarders = append(n.guarders, cemGuard)

	// cm2020/labeledpsi are contract-only stubs (spec.md §1 excludes their
	// crypto internals) but still register with the Framework so their
	// Tick/HandlePacket hooks can be filled in without touching main.
	cm2020Engine := cm2020.NewEngine()
	cm2020Orch, cm2020Guard, _ := wireAlgorithm(gw, protocol.TaskTypePSI, cm2020Engine, cfg, reg, channels)
	n.orchestrators = append(n.orchestrators, cm2020Orch)
	n.guarders = append(n.guarders, cm2020Guard)

	labeledEngine := labeledpsi.NewEngine()
	labeledOrch, labeledGuard, _ := wireAlgorithm(gw, protocol.TaskTypePSI, labeledEngine, cfg, reg, channels)
	n.orchestrators = append(n.orchestrators, labeledOrch)
	n.guarders = append(n.guarders, labeledGuard)

	for _, o := range n.orchestrators {
		o.StartTaskInfoSync()
	}
	for _, g := range n.guarders {
		g.StartPingTimer()
	}

	timeout, err := cfg.BSTaskTimeoutDuration()
	if err != nil {
		n.stop()
		return nil, err
	}
	maxTaskCount := cfg.BSMaxTaskCount
	if maxTaskCount <= 0 {
		maxTaskCount = bsecdhpsi.DefaultMaxTaskCount
	}
	n.bsService = bsecdhpsi.NewService(cryptosuite.NewED25519(), cryptosuite.NewSHA256(), timeout, maxTaskCount, cfg.EnableOutputExists)
	n.bsService.Start()

	return n, nil
}

func action(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	lvl, err := log15.LvlFromString(cfg.LogLevel)
	if err != nil {
		lvl = log15.LvlInfo
	}
	log.Init(lvl, cfg.LogFile)

	n, err := run(cfg)
	if err != nil {
		return err
	}
	defer n.stop()

	log.Info("ppcnode started", "self", cfg.SelfAgency, "gateway", cfg.Gateway)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("ppcnode shutting down")
	return nil
}

func main() {
	app := &cli.App{
		Name:    "ppcnode",
		Usage:   "privacy-preserving computation node",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the node's TOML bootstrap config",
				Required: true,
			},
		},
		Action: action,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ppcnode:", err)
		os.Exit(-1)
	}
}
