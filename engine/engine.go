// Package engine centralizes business logic and manager orchestration.
// The REST API and the command-line entry point are thin consumers.
package engine

import (
	"fmt"
	"time"

	"batchlink/alarm"
	"batchlink/config"
	"batchlink/driver"
	"batchlink/kafka"
	"batchlink/mqtt"
	"batchlink/points"
	"batchlink/produce"
	"batchlink/safety"
	"batchlink/sched"
	"batchlink/syncq"
	"batchlink/valkey"
)

// LogFunc is the logging callback signature. Engine never imports the api package.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc
}

// Engine owns all managers and the periodic job set.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc

	supervisors []*driver.Supervisor
	store       *points.Store
	registry    *points.Registry
	alarmMgr    *alarm.Manager
	safetyEng   *safety.Engine
	machine     *produce.Machine
	queue       *syncq.Queue
	scheduler   *sched.Scheduler

	mqttPub   *mqtt.Publisher
	valkeyPub *valkey.Publisher
	kafkaProd *kafka.Producer

	Events *EventBus

	stopChan chan struct{}
}

// New creates a new Engine. Call Start to initialize managers and wiring.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		logFn:      logFn,
		Events:     NewEventBus(),
		stopChan:   make(chan struct{}),
	}
}

// Start creates all managers, wires callbacks, and launches the periodic jobs.
func (e *Engine) Start() error {
	cfg := e.cfg

	// Field bus clients, one per enabled protocol, each under a reconnect
	// supervisor.
	clients := make(map[config.Protocol]driver.Client)
	for i := range cfg.Buses {
		bus := cfg.Buses[i]
		if !bus.Enabled {
			continue
		}
		client, err := driver.New(bus)
		if err != nil {
			return fmt.Errorf("bus %s: %w", bus.Protocol, err)
		}
		clients[bus.Protocol] = client

		sup := driver.NewSupervisor(client, bus.Reconnect)
		sup.SetLogFunc(func(format string, args ...interface{}) {
			e.logFn(format, args...)
		})
		proto := string(bus.Protocol)
		sup.SetOnStateChange(func(connected bool) {
			if connected {
				e.emit(EventBusConnected, BusEvent{Protocol: proto})
			} else {
				e.emit(EventBusDisconnected, BusEvent{Protocol: proto})
			}
		})
		e.supervisors = append(e.supervisors, sup)
	}

	// Point snapshot store. Persistence is optional; the registry runs
	// without it if the store cannot be opened.
	store, err := points.OpenStore(cfg.PointStorePath)
	if err != nil {
		e.logFn("Point store unavailable: %v", err)
		store = nil
	}
	e.store = store

	e.registry = points.NewRegistry(clients, store)
	e.registry.SetLogFunc(func(format string, args ...interface{}) {
		e.logFn(format, args...)
	})
	if err := e.registry.LoadFromConfig(cfg.Points); err != nil {
		return fmt.Errorf("load points: %w", err)
	}

	// Alarm manager
	e.alarmMgr = alarm.NewManager(cfg.Alarms.EscalateAfter, cfg.Alarms.Retention)
	e.alarmMgr.SetLogFunc(func(format string, args ...interface{}) {
		e.logFn(format, args...)
	})
	sink := &alarmSink{mgr: e.alarmMgr}

	// Safety engine over the live registry
	e.safetyEng = safety.NewEngine(e.registry, sink)
	e.safetyEng.SetLogFunc(func(format string, args ...interface{}) {
		e.logFn(format, args...)
	})
	e.safetyEng.LoadRulesOrDefaults(cfg.Rules)

	// Production state machine
	e.machine = produce.NewMachine(e.registry, e.safetyEng, sink, func(id string) *config.RecipeConfig {
		return e.cfg.FindRecipe(id)
	}, cfg.Control)
	e.machine.SetLogFunc(func(format string, args ...interface{}) {
		e.logFn(format, args...)
	})
	e.safetyEng.SetTaskController(e.machine)

	// Durable sync queue
	if cfg.Sync.Enabled {
		queue, err := syncq.Open(cfg.Sync)
		if err != nil {
			return fmt.Errorf("open sync queue: %w", err)
		}
		e.queue = queue
		e.queue.SetLogFunc(func(format string, args ...interface{}) {
			e.logFn(format, args...)
		})
	}

	// Optional outbound publishers
	if cfg.MQTT.Enabled {
		e.mqttPub = mqtt.NewPublisher(&e.cfg.MQTT)
	}
	if cfg.Valkey.Enabled {
		e.valkeyPub = valkey.NewPublisher(&e.cfg.Valkey, cfg.Namespace)
	}
	if cfg.Kafka.Enabled {
		e.kafkaProd = kafka.NewProducer(&e.cfg.Kafka)
	}

	// Wire callbacks before anything starts emitting.
	e.setupValueHandlers()
	e.setupTaskHandlers()
	e.setupAlarmHandlers()
	e.setupSafetyHandlers()
	e.setupSyncHandlers()

	// Connect field buses
	for _, sup := range e.supervisors {
		sup.Start()
	}

	// Start publishers in the background so a down broker never blocks boot.
	if e.mqttPub != nil {
		go func() {
			if err := e.mqttPub.Start(); err != nil {
				e.logFn("MQTT publisher failed to start: %v", err)
			}
		}()
	}
	if e.valkeyPub != nil {
		go func() {
			if err := e.valkeyPub.Start(); err != nil {
				e.logFn("Valkey publisher failed to start: %v", err)
			}
		}()
	}
	if e.kafkaProd != nil {
		go func() {
			if err := e.kafkaProd.Connect(); err != nil {
				e.logFn("Kafka producer failed to connect: %v", err)
			}
		}()
	}

	e.startJobs()
	return nil
}

// startJobs registers and launches the periodic job set.
func (e *Engine) startJobs() {
	cfg := e.cfg

	e.scheduler = sched.New()
	e.scheduler.SetLogFunc(func(format string, args ...interface{}) {
		e.logFn(format, args...)
	})

	pollInterval := cfg.Control.PollInterval
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}

	e.scheduler.Register("point-poll", pollInterval, func() {
		e.registry.Poll()
	})
	e.scheduler.Register("telemetry-collect", time.Second, func() {
		e.collectTelemetry()
	})
	e.scheduler.Register("safety-eval", 5*time.Second, func() {
		e.safetyEng.EvaluateRules()
	})
	e.scheduler.Register("produce-watchdog", cfg.Control.WatchdogInterval, func() {
		e.machine.WatchdogCheck()
	})
	if e.queue != nil {
		e.scheduler.Register("sync-probe", 30*time.Second, func() {
			e.queue.Probe()
		})
		e.scheduler.Register("sync-drain", 5*time.Second, func() {
			e.queue.Drain()
		})
		e.scheduler.Register("sync-purge", time.Hour, func() {
			e.queue.PurgeSweep()
		})
	}
	e.scheduler.Register("alarm-sweep", time.Minute, func() {
		e.alarmMgr.EscalateSweep()
		e.alarmMgr.PurgeSweep()
	})

	e.scheduler.Start()
}

// collectTelemetry snapshots all point values, persists them, and queues one
// realtime record for the central server.
func (e *Engine) collectTelemetry() {
	snapshot := e.registry.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	if err := e.registry.Persist(); err != nil {
		e.logFn("Point snapshot persist failed: %v", err)
	}

	if e.queue != nil {
		if _, err := e.queue.Enqueue(syncq.KindRealtime, snapshot); err != nil {
			e.logFn("Failed to queue realtime telemetry: %v", err)
		}
	}
}

// Stop shuts down all managers gracefully.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.machine != nil && e.machine.Running() {
		e.machine.RequestStop("controller shutdown")
	}
	for _, sup := range e.supervisors {
		sup.Stop()
	}
	if e.mqttPub != nil {
		e.mqttPub.Stop()
	}
	if e.valkeyPub != nil {
		e.valkeyPub.Stop()
	}
	if e.kafkaProd != nil {
		e.kafkaProd.Disconnect()
	}
	if e.registry != nil {
		if err := e.registry.Persist(); err != nil {
			e.logFn("Final point persist failed: %v", err)
		}
	}
	if e.queue != nil {
		e.queue.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

// Managers provides access to shared backend managers.
// *Engine satisfies this interface via its accessor methods.
type Managers interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetRegistry() *points.Registry
	GetAlarmMgr() *alarm.Manager
	GetSafetyEng() *safety.Engine
	GetMachine() *produce.Machine
	GetQueue() *syncq.Queue
	GetScheduler() *sched.Scheduler
}

// Verify *Engine implements Managers at compile time.
var _ Managers = (*Engine)(nil)

func (e *Engine) GetConfig() *config.Config      { return e.cfg }
func (e *Engine) GetConfigPath() string          { return e.configPath }
func (e *Engine) GetRegistry() *points.Registry  { return e.registry }
func (e *Engine) GetAlarmMgr() *alarm.Manager    { return e.alarmMgr }
func (e *Engine) GetSafetyEng() *safety.Engine   { return e.safetyEng }
func (e *Engine) GetMachine() *produce.Machine   { return e.machine }
func (e *Engine) GetQueue() *syncq.Queue         { return e.queue }
func (e *Engine) GetScheduler() *sched.Scheduler { return e.scheduler }

// saveConfig is a helper that locks, saves, and unlocks.
func (e *Engine) saveConfig() error {
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}
