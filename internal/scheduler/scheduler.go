package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/logging"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const submitTimeout = time.Second

// ErrBadCommand is returned by Add for command text that can never run.
var ErrBadCommand = errors.New("unrecognised schedule command")

// ScheduleEntry defines the structure for a saved schedule.
type ScheduleEntry struct {
	Spec    string `json:"spec"`
	Command string `json:"command"`
}

// ScriptRunner starts a named script.
type ScriptRunner func(name string) error

// Scheduler fires commands on cron schedules. An entry's command is either
// a command token submitted as OriginScheduler or "script <name>.lua".
type Scheduler struct {
	cron          *cron.Cron
	store         map[cron.EntryID]ScheduleEntry
	inbox         core.CommandChannel
	runScript     ScriptRunner
	mu            sync.RWMutex
	schedulesFile string
	log           *logrus.Entry
}

// NewScheduler creates and loads a scheduler. runScript may be nil when
// scripting is disabled.
func NewScheduler(inbox core.CommandChannel, schedulesFile string, runScript ScriptRunner) *Scheduler {
	s := &Scheduler{
		cron:          cron.New(),
		store:         make(map[cron.EntryID]ScheduleEntry),
		inbox:         inbox,
		runScript:     runScript,
		schedulesFile: schedulesFile,
		log:           logging.For("scheduler"),
	}
	s.load()
	return s
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Cron scheduler started.")
}

// Stop halts the cron job ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Cron scheduler stopped.")
}

// Add creates a new cron job and persists it.
func (s *Scheduler) Add(spec, command string) (cron.EntryID, error) {
	if err := validate(command); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.execute(command) })
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.store[id] = ScheduleEntry{Spec: spec, Command: command}
	s.save()
	s.log.Infof("Added schedule (ID %d): %s -> %s", id, spec, command)
	return id, nil
}

// Remove deletes a cron job.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := cron.EntryID(id)
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	s.save()
	s.log.Infof("Removed schedule (ID %d)", id)
}

// GetAll returns a copy of the current schedules.
func (s *Scheduler) GetAll() map[cron.EntryID]ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	newMap := make(map[cron.EntryID]ScheduleEntry, len(s.store))
	for k, v := range s.store {
		newMap[k] = v
	}
	return newMap
}

func validate(command string) error {
	if name, ok := scriptName(command); ok {
		if name == "" {
			return fmt.Errorf("%w: %q", ErrBadCommand, command)
		}
		return nil
	}
	if core.ParseKind(command) == core.KindInvalid {
		return fmt.Errorf("%w: %q", ErrBadCommand, command)
	}
	return nil
}

func scriptName(command string) (string, bool) {
	parts := strings.Fields(command)
	if len(parts) == 0 || parts[0] != "script" {
		return "", false
	}
	if len(parts) < 2 {
		return "", true
	}
	return parts[1], true
}

func (s *Scheduler) execute(command string) {
	s.log.Infof("Executing scheduled command: %s", command)

	if name, ok := scriptName(command); ok {
		if s.runScript == nil {
			s.log.Warnf("Scripting disabled, skipping %s.", name)
			return
		}
		if err := s.runScript(name); err != nil {
			s.log.WithError(err).Errorf("Scheduled script %s failed to start.", name)
		}
		return
	}

	cmd := core.Command{Origin: core.OriginScheduler, Kind: core.ParseKind(command)}
	if err := core.Submit(context.Background(), s.inbox, cmd, submitTimeout); err != nil {
		s.log.WithError(err).Warnf("Could not queue %s.", cmd.Kind)
	}
}

func (s *Scheduler) save() {
	if s.schedulesFile == "" {
		return
	}
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		s.log.WithError(err).Error("Error marshalling schedules.")
		return
	}
	if err := os.WriteFile(s.schedulesFile, data, 0644); err != nil {
		s.log.WithError(err).Error("Error writing schedule file.")
	}
}

func (s *Scheduler) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedulesFile == "" {
		return
	}
	data, err := os.ReadFile(s.schedulesFile)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.log.WithError(err).Error("Error reading schedule file.")
		return
	}

	tempStore := make(map[cron.EntryID]ScheduleEntry)
	if err := json.Unmarshal(data, &tempStore); err != nil {
		s.log.WithError(err).Error("Error unmarshalling schedule file.")
		return
	}

	s.log.Infof("Loading %d schedules from file '%s'...", len(tempStore), s.schedulesFile)
	for _, entry := range tempStore {
		jobEntry := entry
		newID, err := s.cron.AddFunc(jobEntry.Spec, func() { s.execute(jobEntry.Command) })
		if err != nil {
			s.log.WithError(err).Warn("Error re-adding schedule from file.")
			continue
		}
		s.store[newID] = jobEntry
	}
}
