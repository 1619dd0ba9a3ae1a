//go:build !unix

package mcp

import (
	"errors"
	"os"
	"os/exec"
)

func startInGroup(*exec.Cmd) {}

func terminateGroup(p *os.Process) error {
	return killGroup(p)
}

// killGroup only reaches the server itself, processes it spawned are left to the platform.
func killGroup(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
