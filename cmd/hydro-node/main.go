// Command hydro-node drives a hydroponics node's actuators from MQTT commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/clock"
	"github.com/sweeney/hydro-node/internal/command"
	"github.com/sweeney/hydro-node/internal/config"
	"github.com/sweeney/hydro-node/internal/controller"
	"github.com/sweeney/hydro-node/internal/current"
	"github.com/sweeney/hydro-node/internal/dispatch"
	"github.com/sweeney/hydro-node/internal/gpio"
	"github.com/sweeney/hydro-node/internal/health"
	"github.com/sweeney/hydro-node/internal/logging"
	"github.com/sweeney/hydro-node/internal/mqtt"
	"github.com/sweeney/hydro-node/internal/safety"
	"github.com/sweeney/hydro-node/internal/schedule"
	"github.com/sweeney/hydro-node/internal/status"
	"github.com/sweeney/hydro-node/internal/web"
)

const (
	defaultSafetyPoll = 100 * time.Millisecond
	defaultRefresh    = time.Second
)

func main() {
	settings, err := config.LoadSettings(flag.CommandLine, os.Args[1:])
	if err != nil {
		logrus.Fatalf("fatal: %v", err)
	}

	log, closer, err := logging.New(logging.Options{Level: settings.LogLevel, File: settings.LogFile})
	if err != nil {
		logrus.Fatalf("fatal: %v", err)
	}
	defer closer.Close()

	settings.WSBroker = resolveWSBroker(settings.WSBroker, settings.Broker, log)
	if err := run(settings, log); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(settings config.Settings, log *logrus.Logger) error {
	cfg, err := config.Load(settings.ConfigPath)
	if err != nil {
		return err
	}

	chip, err := gpio.OpenChip(settings.Chip)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	hw := hardware{Outputs: chip, Clock: clock.Real{}}
	if cfg.Current != nil {
		bus, err := current.OpenBus()
		if err != nil {
			return fmt.Errorf("init current sensor: %w", err)
		}
		defer bus.Close()
		sensor, err := current.NewINA219(bus, byte(cfg.Current.Address), cfg.Current.ShuntOhms)
		if err != nil {
			return fmt.Errorf("init current sensor: %w", err)
		}
		hw.Sensor = sensor
	}
	if cfg.Safety != nil {
		in, err := chip.OpenInput(gpio.Line{Offset: cfg.Safety.Line, ActiveLow: cfg.Safety.ActiveLow})
		if err != nil {
			return fmt.Errorf("init safety input: %w", err)
		}
		hw.Safety = in
	}

	// Print state mode
	if settings.PrintState {
		return printState(os.Stdout, cfg, hw)
	}

	client, err := mqtt.NewRealClient(settings.Broker, cfg.NodeID, log)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer client.Close()

	n, err := assemble(cfg, hw, client, status.Config{
		NodeID:      cfg.NodeID,
		NodeType:    cfg.NodeType,
		HeartbeatMs: settings.Heartbeat.Milliseconds(),
		Broker:      settings.Broker,
		HTTPPort:    settings.HTTPAddr,
		WSBroker:    settings.WSBroker,
	}, log)
	if err != nil {
		return err
	}
	defer n.close()

	if net := readNetworkInfo(); net != nil {
		n.tracker.SetNetwork(net)
	}
	if err := client.Subscribe(n.ctrl.HandleMessage); err != nil {
		log.WithError(err).Warn("subscribe failed, retrying on reconnect")
	}
	n.publishStatus(status.EventStartup, "", true)

	n.sched.Start()
	defer n.sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if settings.HTTPAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			health.NewCollector(n.reporter, cfg.NodeID, n.queue.Depth),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv := web.New(settings.HTTPAddr, web.Options{Tracker: n.tracker, Queue: n.queue, Gatherer: reg})
		g.Go(func() error {
			log.WithField("addr", settings.HTTPAddr).Info("http status server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	reload := make(chan *config.NodeConfig)
	if settings.WatchConfig {
		g.Go(func() error {
			return config.Watch(ctx, settings.ConfigPath, config.DefaultSettle, log, func(c *config.NodeConfig) {
				select {
				case reload <- c:
				case <-ctx.Done():
				}
			})
		})
	}

	poll := defaultRefresh
	if cfg.Safety != nil {
		poll = defaultSafetyPoll
		if cfg.Safety.PollMs > 0 {
			poll = time.Duration(cfg.Safety.PollMs) * time.Millisecond
		}
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var heartbeat <-chan time.Time
	if settings.Heartbeat > 0 {
		hb := time.NewTicker(settings.Heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.WithFields(logrus.Fields{
		"node":      cfg.NodeID,
		"channels":  len(cfg.Channels),
		"broker":    settings.Broker,
		"heartbeat": settings.Heartbeat,
	}).Info("started")

	g.Go(func() error {
		defer cancel()
		return runLoop(ctx, n, time.Now, ticker.C, heartbeat, reload, sigCh)
	})
	return g.Wait()
}

// hardware bundles the node's device adapters.
type hardware struct {
	Outputs gpio.Outputs
	Sensor  current.Sensor // nil without a current sensor
	Safety  gpio.Input     // nil without a safety input
	Clock   clock.Clock
}

// node is the assembled command path plus its observers.
type node struct {
	id       string
	log      logrus.FieldLogger
	client   mqtt.Client
	driver   *actuator.Driver
	queue    *dispatch.Dispatcher
	ctrl     *controller.Controller
	reporter *health.Reporter
	sched    *schedule.Runner
	monitor  *safety.Monitor
	tracker  *status.Tracker
}

// assemble wires the driver, dispatcher, controller, scheduler and safety
// monitor for cfg. Outputs are opened and driven off.
func assemble(cfg *config.NodeConfig, hw hardware, client mqtt.Client, sc status.Config, log logrus.FieldLogger) (*node, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	if hw.Clock == nil {
		hw.Clock = clock.Real{}
	}

	driverOpts := actuator.Options{Outputs: hw.Outputs, Sensor: hw.Sensor, Clock: hw.Clock, Logger: log}
	if cfg.Current != nil && cfg.Current.SampleTimeoutMs > 0 {
		driverOpts.SampleTimeout = time.Duration(cfg.Current.SampleTimeoutMs) * time.Millisecond
	}
	drv, err := actuator.NewDriver(reg, driverOpts)
	if err != nil {
		return nil, fmt.Errorf("init actuators: %w", err)
	}

	n := &node{id: cfg.NodeID, log: log, client: client, driver: drv}
	n.reporter = health.NewReporter(drv)

	sink := mqtt.Sink{Client: client, Log: log}
	opts := cfg.DispatchOptions()
	opts.Clock = hw.Clock
	opts.Logger = log
	opts.Explainer = n.reporter
	n.queue = dispatch.New(drv, sink, opts)
	n.ctrl = controller.New(drv, n.queue, sink, hw.Clock, log)

	n.sched = schedule.NewRunner(n.ctrl, time.Local, log)
	if err := n.sched.Load(cfg.Schedules); err != nil {
		drv.Close()
		return nil, err
	}

	if hw.Safety != nil {
		var debounce time.Duration
		if cfg.Safety != nil {
			debounce = time.Duration(cfg.Safety.DebounceMs) * time.Millisecond
		}
		n.monitor = safety.NewMonitor(hw.Safety, safety.MonitorOptions{
			Debounce: debounce,
			Latch:    drv,
			Halter:   n.queue,
			Notify:   n.onSafety,
			Logger:   log,
		})
	}

	src := status.Sources{
		Health:     n.reporter.Snapshot,
		QueueDepth: n.queue.Depth,
	}
	if n.monitor != nil {
		src.Safety = func() string {
			st, _ := n.monitor.State()
			return string(st)
		}
	}
	n.tracker = status.NewTracker(hw.Clock.Now(), sc, src)
	n.tracker.SetConfigVersion(cfg.Version, hw.Clock.Now())
	return n, nil
}

func (n *node) onSafety(ev safety.Event) {
	n.publishStatus(status.EventSafeMode, ev.Reason, true)
	if ev.Type == safety.EventCleared {
		n.queue.Kick()
	}
}

// publishStatus sends a system event carrying the full status snapshot.
func (n *node) publishStatus(event, reason string, retained bool) {
	n.tracker.SetMQTTConnected(n.client.IsConnected())
	snap := n.tracker.Snapshot()
	err := n.client.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	log := n.log.WithField("event", event)
	if err != nil {
		log.WithError(err).Warn("failed to publish system event")
		return
	}
	log.Debug("published system event")
}

// applyConfig installs a reloaded configuration. Settings that fix the
// node's identity or queue shape need a restart and are only logged.
func (n *node) applyConfig(cfg *config.NodeConfig, now time.Time) {
	log := n.log.WithField("version", cfg.Version)
	if cfg.NodeID != n.id {
		log.WithField("node_id", cfg.NodeID).Error("node_id change needs a restart, reload ignored")
		return
	}
	reg, err := cfg.Registry()
	if err != nil {
		log.WithError(err).Error("config reload rejected")
		return
	}
	if err := n.driver.Apply(reg); err != nil {
		log.WithError(err).Warn("config applied with faulty channels")
	}
	if err := n.sched.Load(cfg.Schedules); err != nil {
		log.WithError(err).Warn("schedules not reloaded")
	}
	n.tracker.SetConfigVersion(cfg.Version, now)
	log.Info("config applied")
	n.publishStatus(status.EventConfigApplied, "", true)
	n.queue.Kick()
}

// shutdown releases every output and resolves outstanding commands.
func (n *node) shutdown(reason string) {
	n.driver.EmergencyStopAll("shutdown: " + reason)
	n.queue.Halt(command.CodePumpDriverFailed, "node shutting down")
}

func (n *node) close() {
	if n.monitor != nil {
		n.monitor.Close()
	}
	if err := n.driver.Close(); err != nil {
		n.log.WithError(err).Warn("close outputs")
	}
}

func runLoop(ctx context.Context, n *node, now func() time.Time, tick, heartbeat <-chan time.Time, reload <-chan *config.NodeConfig, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			n.log.WithField("signal", s).Info("shutting down")
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			n.shutdown(signalName)
			n.publishStatus(status.EventShutdown, signalName, true)
			return nil

		case <-ctx.Done():
			n.shutdown("context done")
			return ctx.Err()

		case cfg := <-reload:
			n.applyConfig(cfg, now())

		case <-tick:
			if n.monitor != nil {
				n.monitor.Poll(now())
			}
			n.tracker.SetMQTTConnected(n.client.IsConnected())

		case <-heartbeat:
			if net := readNetworkInfo(); net != nil {
				n.tracker.SetNetwork(net)
			}
			snap := n.tracker.Snapshot()
			n.log.WithFields(logrus.Fields{
				"uptime":      snap.Uptime().Truncate(time.Second),
				"queue_depth": snap.QueueDepth,
				"safe_mode":   snap.Health.SafeMode,
			}).Info("heartbeat")
			n.publishStatus(status.EventHeartbeat, "", false)
		}
	}
}

// printState prints the configured channels and the state of the node's
// inputs without engaging any output.
func printState(w io.Writer, cfg *config.NodeConfig, hw hardware) error {
	fmt.Fprintf(w, "node %s (%s) config v%d\n", cfg.NodeID, cfg.NodeType, cfg.Version)
	for _, ch := range cfg.Channels {
		fmt.Fprintf(w, "  %-12s %-6s line %d max %dms off %dms\n",
			ch.Name, ch.Type, ch.Output.Line, ch.SafeLimits.MaxDurationMs, ch.SafeLimits.MinOffTimeMs)
	}
	if hw.Safety != nil {
		active, err := hw.Safety.Read()
		if err != nil {
			return fmt.Errorf("read safety input: %w", err)
		}
		st := safety.StateClear
		if active {
			st = safety.StateTripped
		}
		fmt.Fprintf(w, "safety input: %s\n", st)
	}
	if hw.Sensor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r, err := hw.Sensor.Sample(ctx)
		if err != nil {
			return fmt.Errorf("read current sensor: %w", err)
		}
		fmt.Fprintf(w, "current: %.1f mA\n", r.MilliAmps)
	}
	return nil
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

// resolveWSBroker converts the --ws-broker value into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; "off" disables.
func resolveWSBroker(ws, broker string, log logrus.FieldLogger) string {
	if ws == "off" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		log.WithError(err).WithField("broker", broker).Warn("ws-broker: cannot parse broker address")
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}
