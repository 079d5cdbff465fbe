//go:build !unix

package service

import (
	"os"
	"os/exec"
)

func setProcAttrs(*exec.Cmd) {}

// there is no graceful signal to send, terminate kills right away
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}
