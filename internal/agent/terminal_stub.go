//go:build !linux && !darwin

package agent

import "errors"

var errNoPTY = errors.New("terminals are not supported on this platform")

type Terminals struct{}

func NewTerminals(string, func(sessionID string, data []byte, closed bool)) *Terminals {
	return &Terminals{}
}

func (ts *Terminals) Open(string, uint16, uint16) error   { return errNoPTY }
func (ts *Terminals) Input(string, []byte) error          { return errNoPTY }
func (ts *Terminals) Resize(string, uint16, uint16) error { return errNoPTY }
func (ts *Terminals) Close(string) error                  { return errNoPTY }
func (ts *Terminals) CloseAll()                           {}
