// Package lua runs user scripts that drive the command router.
package lua

import (
	"context"
	"errors"
	"sync"
	"time"

	"bridge-controller/internal/core"
	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// ErrBusy is returned when the engine's request queue is full.
var ErrBusy = errors.New("script engine busy")

type cmdType int

const (
	cmdRunFile cmdType = iota
	cmdRunString
	cmdStop
)

type engineCmd struct {
	kind cmdType
	name string
	code string
}

// Engine runs Lua scripts on a single worker so only one script is active
// at a time. Starting a script cancels the one before it.
type Engine struct {
	inbox      core.CommandChannel
	scriptsDir string
	eventBus   *core.EventBus

	// SubmitTimeout bounds how long send() waits for room in the inbox.
	SubmitTimeout time.Duration

	cmdChan   chan engineCmd
	closeOnce sync.Once
	done      chan struct{}
	log       *logrus.Entry
}

// NewEngine creates an engine and starts its worker.
func NewEngine(inbox core.CommandChannel, scriptsDir string, eb *core.EventBus) *Engine {
	e := &Engine{
		inbox:         inbox,
		scriptsDir:    scriptsDir,
		eventBus:      eb,
		SubmitTimeout: time.Second,
		cmdChan:       make(chan engineCmd, 10),
		done:          make(chan struct{}),
		log:           logging.For("lua"),
	}

	go e.runLoop()

	return e
}

func (e *Engine) runLoop() {
	defer close(e.done)

	var currentCancel context.CancelFunc
	var scriptDone chan struct{}

	stopCurrent := func() {
		if currentCancel == nil {
			return
		}
		currentCancel()
		select {
		case <-scriptDone:
		case <-time.After(2 * time.Second):
			e.log.Warn("Timeout waiting for script to stop.")
		}
		currentCancel = nil
		scriptDone = nil
	}
	defer stopCurrent()

	for cmd := range e.cmdChan {
		stopCurrent()

		if cmd.kind == cmdStop {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		currentCancel = cancel
		scriptDone = make(chan struct{})

		go func(cmd engineCmd, ctx context.Context, done chan struct{}) {
			defer close(done)
			switch cmd.kind {
			case cmdRunFile:
				e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoFile(cmd.code) })
			case cmdRunString:
				e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoString(cmd.code) })
			}
		}(cmd, ctx, scriptDone)
	}
}

// RunScript queues the named script from the scripts directory.
func (e *Engine) RunScript(name string) error {
	path, err := e.ScriptPath(name)
	if err != nil {
		return err
	}
	return e.enqueue(engineCmd{kind: cmdRunFile, name: name, code: path})
}

// ExecuteString queues a one-off chunk of Lua.
func (e *Engine) ExecuteString(code string) error {
	return e.enqueue(engineCmd{kind: cmdRunString, name: "inline", code: code})
}

// StopScript cancels the running script, if any.
func (e *Engine) StopScript() error {
	return e.enqueue(engineCmd{kind: cmdStop})
}

// Close stops the running script and the worker.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.cmdChan) })
	<-e.done
}

func (e *Engine) enqueue(cmd engineCmd) error {
	select {
	case e.cmdChan <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

func (e *Engine) publish(name string) {
	if e.eventBus != nil {
		e.eventBus.Publish(core.Event{Type: core.ScriptChangedEvent, Payload: core.ScriptRun{Name: name}})
	}
}

func (e *Engine) execute(ctx context.Context, name string, executor func(*lua.LState) error) {
	e.log.Infof("Starting script '%s'...", name)
	e.publish(name)
	defer func() {
		e.log.Infof("Script '%s' finished.", name)
		e.publish("")
	}()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	e.registerGoFunctions(L, ctx)

	if err := executor(L); err != nil {
		if ctx.Err() != nil {
			e.log.Infof("Script '%s' was cancelled.", name)
		} else {
			e.log.WithError(err).Errorf("Error executing script '%s'.", name)
		}
	}
}
