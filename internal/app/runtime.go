package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/devbridge/internal/bus"
	"github.com/skobkin/devbridge/internal/config"
	"github.com/skobkin/devbridge/internal/devicestate"
	"github.com/skobkin/devbridge/internal/dispatch"
	"github.com/skobkin/devbridge/internal/link"
	"github.com/skobkin/devbridge/internal/logging"
	"github.com/skobkin/devbridge/internal/metrics"
	"github.com/skobkin/devbridge/internal/observer"
	"github.com/skobkin/devbridge/internal/persistence"
	"github.com/skobkin/devbridge/internal/platform"
	"github.com/skobkin/devbridge/internal/resources"
	"github.com/skobkin/devbridge/internal/sink"
	"github.com/skobkin/devbridge/internal/transport"
	"github.com/skobkin/devbridge/internal/vfs"
)

// Options controls how the runtime is assembled.
type Options struct {
	// ConfigPath overrides the config file location. Empty uses the user config dir.
	ConfigPath string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Runtime owns every long-lived component of the bridge.
type Runtime struct {
	Paths  Paths
	Config config.BridgeConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	Metrics    *metrics.Metrics

	FS         *vfs.FS
	State      *devicestate.State
	Dispatcher *dispatch.Dispatcher
	Link       *link.Manager
	Hub        *observer.Hub
	Server     *observer.Server
	Console    *sink.Console
	Mirror     *sink.MQTTMirror

	DB          *sql.DB
	WriterQueue *persistence.WriterQueue
	Journal     *persistence.JournalRepo
	StateRepo   *persistence.StateRepo

	lock      platform.DeviceLock
	closeOnce sync.Once
}

// LoadConfig resolves user paths and reads the configuration without
// starting anything.
func LoadConfig(configPath string) (Paths, config.BridgeConfig, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return Paths{}, config.BridgeConfig{}, err
	}
	if strings.TrimSpace(configPath) == "" {
		configPath = paths.ConfigFile
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return Paths{}, config.BridgeConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Paths{}, config.BridgeConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return paths, cfg, nil
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	rt := &Runtime{Paths: paths, Config: cfg}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting devbridge", "version", BuildVersion(), "build_date", BuildDateYMD(), "user_agent", UserAgent())

	lock, err := platform.AcquireDeviceLock(Name, DeviceSelector(cfg.Connection))
	switch {
	case errors.Is(err, platform.ErrDeviceLocked):
		_ = rt.Close()

		return nil, fmt.Errorf("another bridge already serves %s: %w", DeviceSelector(cfg.Connection), err)
	case errors.Is(err, platform.ErrDeviceLockUnsupported):
		slog.Warn("device lock unavailable on this platform", "error", err)
	case err != nil:
		_ = rt.Close()

		return nil, err
	}
	rt.lock = lock

	rt.Bus = bus.New(logMgr.Logger("bus"), BusCapacity)
	if cfg.Metrics.Enabled {
		rt.Metrics = metrics.New()
	}

	fs, err := vfs.New(cfg.Sandbox.Root, logMgr.Logger("vfs"))
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	rt.FS = fs
	rt.State = devicestate.New()

	if cfg.Journal.Enabled {
		if err := rt.openJournal(parent); err != nil {
			_ = rt.Close()

			return nil, err
		}
	}

	rt.Dispatcher = dispatch.New(fs, rt.State, logMgr.Logger("dispatch"))

	tr, prober, err := NewTransport(cfg.Connection)
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	rt.Link = link.NewManager(logMgr.Logger("link"), rt.Bus, tr, prober, rt.Dispatcher, link.Options{
		RetryInterval:   cfg.Link.RetryInterval,
		DFUPollInterval: cfg.Link.DFUPollInterval,
		DFUTimeout:      cfg.Link.DFUTimeout,
		SettleDelay:     cfg.Link.SettleDelay,
	})

	rt.Hub = observer.NewHub(observer.HubConfig{
		State:    rt.State,
		Input:    rt.Link,
		Metrics:  rt.Metrics,
		Logger:   logMgr.Logger("hub"),
		Greeting: cfg.Server.Greeting,
	})

	page, err := resources.WebUI(cfg.Server.WebUIPath)
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	serverCfg := observer.ServerConfig{
		Addr:      cfg.ListenAddr(),
		Page:      page,
		SendQueue: cfg.Server.SendQueue,
		Logger:    logMgr.Logger("server"),
	}
	if rt.Metrics != nil {
		serverCfg.Metrics = rt.Metrics.Handler()
	}
	rt.Server = observer.NewServer(serverCfg, rt.Hub)
	rt.Console = sink.NewConsole(stdout, stderr)

	if cfg.MQTT.Enabled {
		mqttCfg := sink.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
		}
		mqttLogger := logMgr.Logger("mqtt")
		rt.Mirror = sink.NewMQTTMirror(sink.NewPahoClient(mqttCfg, mqttLogger), mqttCfg, mqttLogger)
	}

	return rt, nil
}

func (r *Runtime) openJournal(ctx context.Context) error {
	path := JournalPath(r.Paths, r.Config)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	db, err := persistence.Open(ctx, path)
	if err != nil {
		return err
	}
	r.DB = db
	r.Journal = persistence.NewJournalRepo(db)
	r.StateRepo = persistence.NewStateRepo(db)
	r.WriterQueue = persistence.NewWriterQueue(r.LogManager.Logger("persistence"), WriterQueueSize)

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	buffer, ok, err := r.StateRepo.Get(loadCtx, persistence.KeyDisplayBuffer)
	if err != nil {
		slog.Warn("restore display buffer", "error", err)
	} else if ok {
		r.State.RestoreDisplay(buffer)
	}
	r.State.OnDisplay(persistence.PersistDisplay(r.WriterQueue, r.StateRepo))

	return nil
}

// Run serves observers on the configured address until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	return r.run(ctx, r.Server.ListenAndServe)
}

// Serve is Run on an existing listener.
func (r *Runtime) Serve(ctx context.Context, ln net.Listener) error {
	return r.run(ctx, func(ctx context.Context) error {
		return r.Server.Serve(ctx, ln)
	})
}

// run starts the bus consumers and the device link, then blocks in serve
// until ctx is done or the server fails.
func (r *Runtime) run(parent context.Context, serve func(context.Context) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	r.Hub.Start(ctx, r.Bus)
	r.Console.Start(ctx, r.Bus)
	r.Metrics.Start(ctx, r.Bus)
	if r.WriterQueue != nil {
		r.WriterQueue.Start(ctx)
		persistence.StartJournalProjection(ctx, r.Bus, r.WriterQueue, r.Journal, r.Config.Journal.KeepLines)
	}
	if r.Mirror != nil {
		if err := r.Mirror.Connect(); err != nil {
			slog.Warn("mqtt mirror not connected yet", "error", err)
		}
		r.Mirror.Start(ctx, r.Bus)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Link.Run(ctx); err != nil {
			slog.Error("device link stopped", "error", err)
		}
	}()

	err := serve(ctx)
	cancel()
	wg.Wait()
	if r.WriterQueue != nil {
		<-r.WriterQueue.Done()
	}

	return err
}

func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.Bus != nil {
			r.Bus.Close()
		}
		if r.DB != nil {
			_ = r.DB.Close()
		}
		if r.lock != nil {
			if err := r.lock.Release(); err != nil {
				slog.Warn("release device lock", "error", err)
			}
		}
		if r.LogManager != nil {
			_ = r.LogManager.Close()
		}
	})

	return nil
}

// NewTransport builds the transport and prober for the configured connector.
func NewTransport(cfg config.ConnectionConfig) (transport.Transport, transport.Prober, error) {
	switch cfg.Connector {
	case config.ConnectorSerial:
		return transport.NewSerialTransport(cfg.SerialBaud), transport.NewSerialProber(cfg.SerialGlob, cfg.FallbackPort), nil
	case config.ConnectorIP:
		return transport.NewIPTransport(), transport.StaticProber{Target: strings.TrimSpace(cfg.Host)}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported connector: %s", cfg.Connector)
	}
}

// DeviceSelector names the device a bridge claims for locking and logs.
func DeviceSelector(cfg config.ConnectionConfig) string {
	if cfg.Connector == config.ConnectorIP {
		return strings.TrimSpace(cfg.Host)
	}
	if glob := strings.TrimSpace(cfg.SerialGlob); glob != "" {
		return glob
	}

	return strings.TrimSpace(cfg.FallbackPort)
}

// JournalPath is the sqlite file used for the journal.
func JournalPath(paths Paths, cfg config.BridgeConfig) string {
	if p := strings.TrimSpace(cfg.Journal.Path); p != "" {
		return filepath.Clean(p)
	}

	return paths.DBFile
}
