package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"slacd/internal/app"
	"slacd/internal/config"
	"slacd/internal/controller"
	"slacd/internal/link"
	"slacd/internal/session"
	"slacd/internal/wire"
)

var (
	flagInterface string
	flagEvseID    string
	flagConfig    string
)

// fileConfig holds the ambient settings the protocol itself doesn't
// define (spec.md §6 names only SLAC_INIT_TIMEOUT/ATTEN_RESULTS_TIMEOUT/
// LOG_LEVEL, which internal/config.Load handles); this command-level
// struct is the "extra YAML keys" home SPEC_FULL.md calls for.
type fileConfig struct {
	Interface string `yaml:"interface"`
	EvseID    string `yaml:"evse_id"`
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision the local chip and drive one session's matching runs from stdin CP-state lines",
	RunE:  runMatching,
}

func init() {
	runCmd.Flags().StringVar(&flagInterface, app.FlagInterfaceName, "", "network interface the HPGP chip is reachable on")
	runCmd.Flags().StringVar(&flagEvseID, app.FlagEvseIDName, "", "opaque EVSE identifier passed to the observer")
	runCmd.Flags().StringVar(&flagConfig, app.FlagConfigName, "", "optional YAML file supplying --interface/--evse-id")
}

// stdoutObserver reports matching-run lifecycle events via slog; it is
// the "simple stdin-driven CP source"'s counterpart sink for manual
// testing, standing in for the real upstream observer spec §6 leaves
// external.
type stdoutObserver struct{}

func (stdoutObserver) MatchingOngoing(evseID string) {
	slog.Info("matching ongoing", slog.String("evse_id", evseID))
}

func (stdoutObserver) MatchingFailed(evseID string) {
	slog.Warn("matching failed", slog.String("evse_id", evseID))
}

func runMatching(cmd *cobra.Command, args []string) error {
	iface, evseID, err := resolveRunSettings()
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatalConfig, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	localMAC, err := interfaceMAC(iface)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatalConfig, err)
	}

	l, err := link.Open(iface)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatalConfig, err)
	}
	defer l.Close()

	sessCfg := session.Config{
		SlacInitTimeout:             cfg.SlacInitTimeout,
		AttenResultsTimeoutOverride: cfg.AttenResultsTimeoutOverride,
	}
	sess := session.New(evseID, localMAC, l, sessCfg)
	ctl := controller.New(evseID, sess, stdoutObserver{})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctl.Provision(ctx); err != nil {
		return fmt.Errorf("provisioning failed: %w", err)
	}
	slog.Info("provisioned, awaiting CP-state lines on stdin (A-F)", slog.String("evse_id", evseID), slog.String("interface", iface))

	cpStates := make(chan string)
	go func() {
		defer close(cpStates)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case cpStates <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	ctl.Run(ctx, cpStates)
	return nil
}

// resolveRunSettings merges --config's YAML file with --interface/
// --evse-id, which take precedence when set.
func resolveRunSettings() (iface, evseID string, err error) {
	if flagConfig != "" {
		raw, err := os.ReadFile(flagConfig)
		if err != nil {
			return "", "", fmt.Errorf("reading %s: %w", flagConfig, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return "", "", fmt.Errorf("parsing %s: %w", flagConfig, err)
		}
		iface, evseID = fc.Interface, fc.EvseID
	}
	if flagInterface != "" {
		iface = flagInterface
	}
	if flagEvseID != "" {
		evseID = flagEvseID
	}
	if iface == "" {
		return "", "", fmt.Errorf("no interface configured (--%s or config file)", app.FlagInterfaceName)
	}
	if evseID == "" {
		evseID = "evse0"
	}
	return iface, evseID, nil
}

func interfaceMAC(name string) (wire.MAC, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return wire.MAC{}, err
	}
	if len(ifi.HardwareAddr) != 6 {
		return wire.MAC{}, fmt.Errorf("interface %s has no Ethernet hardware address", name)
	}
	var mac wire.MAC
	copy(mac[:], ifi.HardwareAddr)
	return mac, nil
}
