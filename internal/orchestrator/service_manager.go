package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultGracePeriod is how long a service may take to exit after SIGTERM
// before it is killed.
const DefaultGracePeriod = 5 * time.Second

// Service is one child binary.
type Service struct {
	Name string
	Path string
	Args []string
}

// Binary returns the service for a binary next to the orchestrator.
func Binary(name string) Service {
	path := "./" + name
	if runtime.GOOS == "windows" {
		path += ".exe"
	}
	return Service{Name: name, Path: path}
}

type exit struct {
	svc Service
	err error
}

// ServiceManager runs the extract loader to completion and then keeps the
// report server up until it exits or the context is cancelled.
type ServiceManager struct {
	GracePeriod time.Duration
	running     []*exec.Cmd
	exits       chan exit
}

// NewServiceManager creates a new service manager
func NewServiceManager() *ServiceManager {
	return &ServiceManager{GracePeriod: DefaultGracePeriod}
}

func (sm *ServiceManager) command(ctx context.Context, svc Service) *exec.Cmd {
	cmd := exec.CommandContext(ctx, svc.Path, svc.Args...)
	cmd.Stdout = log.Logger
	cmd.Stderr = log.Logger
	// Cancellation asks politely first; WaitDelay bounds how long we wait.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = sm.GracePeriod
	return cmd
}

// RunToCompletion runs a service and waits for it to exit.
func (sm *ServiceManager) RunToCompletion(ctx context.Context, svc Service) error {
	log.Info().Str("service", svc.Name).Msg("Running service to completion")
	start := time.Now()

	if err := sm.command(ctx, svc).Run(); err != nil {
		return fmt.Errorf("%s service failed: %w", svc.Name, err)
	}

	log.Info().Str("service", svc.Name).Dur("duration", time.Since(start)).Msg("Service completed successfully")
	return nil
}

// Start launches a long-running service.
func (sm *ServiceManager) Start(ctx context.Context, svc Service) error {
	log.Info().Str("service", svc.Name).Msg("Starting service")

	cmd := sm.command(ctx, svc)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s service: %w", svc.Name, err)
	}
	if sm.exits == nil {
		sm.exits = make(chan exit, 8)
	}
	exits := sm.exits
	go func() {
		exits <- exit{svc: svc, err: cmd.Wait()}
	}()
	sm.running = append(sm.running, cmd)
	return nil
}

// Wait blocks until any started service exits or ctx is cancelled. On
// cancellation every service gets SIGTERM and is killed after the grace
// period. It returns the error of the first service to exit on its own.
func (sm *ServiceManager) Wait(ctx context.Context) error {
	if len(sm.running) == 0 {
		return errors.New("no services started")
	}
	log.Info().Int("services", len(sm.running)).Msg("Services started, waiting for completion...")
	defer func() { sm.running = nil }()

	remaining := len(sm.running)
	select {
	case e := <-sm.exits:
		remaining--
		var first error
		if e.err != nil {
			log.Error().Err(e.err).Str("service", e.svc.Name).Msg("Service exited with error")
			first = fmt.Errorf("%s service exited: %w", e.svc.Name, e.err)
		} else {
			log.Info().Str("service", e.svc.Name).Msg("Service exited")
		}
		sm.shutdownServices(remaining)
		return first
	case <-ctx.Done():
		log.Info().Msg("Shutting down services...")
		sm.shutdownServices(remaining)
		return nil
	}
}

// shutdownServices terminates the services still running after one exited.
func (sm *ServiceManager) shutdownServices(remaining int) {
	if remaining == 0 {
		return
	}
	// Signalling a process that already exited only returns an error.
	for _, cmd := range sm.running {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(sm.GracePeriod)
	defer timer.Stop()
	for remaining > 0 {
		select {
		case <-sm.exits:
			remaining--
		case <-timer.C:
			log.Warn().Int("services", remaining).Msg("Grace period elapsed, killing services")
			for _, cmd := range sm.running {
				_ = cmd.Process.Kill()
			}
			for ; remaining > 0; remaining-- {
				<-sm.exits
			}
		}
	}
}
