// Package schedule submits recurring doses and runs from the node
// configuration on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/hydro-node/internal/command"
	"github.com/sweeney/hydro-node/internal/config"
)

// CmdIDPrefix marks commands that originate from a schedule.
const CmdIDPrefix = "sched-"

// Handler accepts commands. Implemented by *controller.Controller.
type Handler interface {
	Handle(cmd command.Command)
}

// Entry describes one loaded schedule.
type Entry struct {
	Name    string
	Channel string
	Spec    string
	Next    time.Time
	Prev    time.Time
}

type job struct {
	id  cron.EntryID
	cfg config.ScheduleConfig
}

// Runner owns the cron scheduler.
type Runner struct {
	mu   sync.Mutex
	cron *cron.Cron
	h    Handler
	log  logrus.FieldLogger
	jobs []job
}

// NewRunner creates a stopped Runner.
func NewRunner(h Handler, loc *time.Location, log logrus.FieldLogger) *Runner {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	cl := cronLogger{log}
	return &Runner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		h:   h,
		log: log,
	}
}

// Load replaces every schedule. On error nothing is replaced.
func (r *Runner) Load(schedules []config.ScheduleConfig) error {
	parsed := make([]cron.Schedule, len(schedules))
	for i, s := range schedules {
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		parsed[i] = sched
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		r.cron.Remove(j.id)
	}
	r.jobs = r.jobs[:0]
	for i, s := range schedules {
		s := s
		id := r.cron.Schedule(parsed[i], cron.FuncJob(func() { r.fire(s) }))
		r.jobs = append(r.jobs, job{id: id, cfg: s})
	}
	r.log.WithField("count", len(schedules)).Info("schedules loaded")
	return nil
}

// fire submits one occurrence of s.
func (r *Runner) fire(s config.ScheduleConfig) {
	cmd := command.Command{
		CmdID:   CmdIDPrefix + uuid.NewString(),
		Channel: s.Channel,
	}
	if s.ML > 0 {
		cmd.Kind = command.KindDose
		cmd.ML = s.ML
	} else {
		cmd.Kind = command.KindRunPump
		cmd.Duration = time.Duration(s.DurationMs) * time.Millisecond
	}
	r.log.WithFields(logrus.Fields{"schedule": s.Name, "channel": s.Channel, "cmd_id": cmd.CmdID}).Info("schedule fired")
	r.h.Handle(cmd)
}

// Entries returns the loaded schedules with their next activation.
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.jobs))
	for _, j := range r.jobs {
		e := r.cron.Entry(j.id)
		out = append(out, Entry{Name: j.cfg.Name, Channel: j.cfg.Channel, Spec: j.cfg.Cron, Next: e.Next, Prev: e.Prev})
	}
	return out
}

// Start runs the scheduler in its own goroutine.
func (r *Runner) Start() { r.cron.Start() }

// Stop halts the scheduler. The returned context is done once running
// jobs have finished.
func (r *Runner) Stop() context.Context { return r.cron.Stop() }

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
