//go:build windows

package process

import (
	"os"
	"os/exec"
)

func configureProcAttr(*exec.Cmd) {}

func killProcess(p *os.Process) error {
	return p.Kill()
}

// killGroup is a no-op; children are not grouped on Windows.
func killGroup(int) error { return nil }
