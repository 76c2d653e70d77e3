package start

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kegdisplay/tapsync/internal/di"
	"github.com/kegdisplay/tapsync/utils"
	"github.com/kegdisplay/tapsync/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a tapsync replication node"
	long                  = "This command starts a tapsync node: the local database, the discovery service and the sync coordinator"
	example               = "tapsync start --config <path>"
	defaultConfigFilePath = "./tapsync.yml"
	configDesc            = "set the path for the tapsync YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up", "run"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	// Don't output command usage once the config path resolved.
	cmd.SilenceUsage = true
	log.Info("using %v for configuration", configFilePath)

	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}
	config.StartTime = time.Now()

	c := di.NewContainer(config)

	log.Info("initializing tapsync node %s (%s)...", c.GetNodeID(), config.Role)
	start := time.Now()
	syncedDB := c.GetSyncedDB()
	_ = syncedDB
	log.Info("startup time: %s", time.Since(start))

	if disc := c.GetDiscovery(); disc != nil {
		go func() {
			if err := disc.Run(globalCtx); err != nil {
				log.Error("discovery service failed: %v", err)
			}
		}()
		log.Info("launched discovery service on udp port %d", config.BroadcastPort)
	}

	coordErr := make(chan error, 1)
	go func() {
		coordErr <- c.GetCoordinator().Run(globalCtx)
	}()
	log.Info("launched sync coordinator on %s", c.SyncListenAddr())

	if config.ListenURL != "" {
		log.Info("launching update feed on %s/updates", config.ListenURL)
		http.HandleFunc("/updates", c.GetStreamHub().Handler)
		go func() {
			if err := http.ListenAndServe(config.ListenURL, nil); err != nil {
				log.Error("http server failed: %v", err)
			}
		}()
	}

	const defaultSignalChanLen = 10
	signalChan := make(chan os.Signal, defaultSignalChanLen)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-signalChan:
		log.Info("initiating graceful shutdown due to '%v' request", s)
		globalCancel()
		log.Info("waiting a grace period of %v to shutdown...", config.StopGracePeriod)
		time.Sleep(config.StopGracePeriod)
	case err := <-coordErr:
		if err != nil {
			return fmt.Errorf("sync coordinator failed: %w", err)
		}
	}

	log.Info("exiting...")
	return nil
}
