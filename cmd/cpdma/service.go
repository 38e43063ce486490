package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/cpdma"
	"github.com/slackhq/cpdma/config"
)

var logger service.Logger

// program runs the engine under the system service manager.
type program struct {
	f       flags
	control *cpdma.Control
}

// Start should not block.
func (p *program) Start(s service.Service) error {
	logger.Info("cpdma service starting")

	l := logrus.New()
	if service.Interactive() {
		l.Out = os.Stdout
	} else {
		HookLogger(l)
	}

	c := config.NewC(l)
	if err := c.Load(p.f.config); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctrl, err := cpdma.Main(c, false, version(), l)
	if err != nil {
		return err
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return err
	}

	p.control = ctrl
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("cpdma service stopping")
	if p.control != nil {
		p.control.Stop()
		p.control = nil
	}
	return nil
}

// doService runs the service when action is "run", otherwise it hands action
// (install, start, stop, ...) to the service manager.
func doService(f flags, action string) int {
	if f.config == "" {
		ex, err := os.Executable()
		if err != nil {
			log.Print(err)
			return 1
		}
		f.config = filepath.Join(filepath.Dir(ex), "config.yaml")
	}

	s, err := service.New(&program{f: f}, &service.Config{
		Name:        "cpdma",
		DisplayName: "cpdma",
		Description: "Packet DMA ring engine",
		Arguments:   []string{"-service", "run", "-config", f.config},
	})
	if err != nil {
		log.Print(err)
		return 1
	}

	errs := make(chan error, 5)
	if logger, err = s.Logger(errs); err != nil {
		log.Print(err)
		return 1
	}
	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	if action == "run" {
		if err := s.Run(); err != nil {
			_ = logger.Error(err)
			return 1
		}
		return 0
	}

	if err := service.Control(s, action); err != nil {
		log.Printf("Valid actions: %q", service.ControlAction)
		log.Print(err)
		return 1
	}
	return 0
}
