// Package console is the interactive operator surface: single-letter
// commands read line by line, answers to pairing prompts, and a live view
// of manager events.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/srg/sppctl/internal/discovery"
	"github.com/srg/sppctl/internal/events"
	"github.com/srg/sppctl/internal/groutine"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/session"
	"github.com/srg/sppctl/internal/stack"
	"github.com/srg/sppctl/manager"
)

// ErrPromptBusy is returned by Ask while another question is pending
var ErrPromptBusy = errors.New("another prompt is waiting for an answer")

// Commands is the manager surface driven by the console
type Commands interface {
	EnterManualAddress(text string) error
	StartDiscovery() error
	StopDiscovery() error
	ResolveServices() error
	ConnectChannel(index int) error
	CloseAllSessions() error
	ListBondedDevices() ([]stack.Address, error)
	ForgetAllBondedDevices() (int, error)
	Status() manager.Status
	Peers() []discovery.Peer
}

// command is one console key; run is nil for keys Execute handles itself
type command struct {
	key  string
	help string
	run  func(c *Console, arg string) error
}

var commands = []command{
	{"?", "Show this message", nil},
	{"q", "Exit", nil},
	{"L", "Show paired devices", func(c *Console, _ string) error {
		_, err := c.cmds.ListBondedDevices()
		return err
	}},
	{"C", "Remove paired devices", func(c *Console, _ string) error {
		n, err := c.cmds.ForgetAllBondedDevices()
		output.Printf(c.sink, output.SourceResult, "Removed %d paired devices", n)
		return err
	}},
	{"a", "Enter the BD address manually (a <xx:xx:xx:xx:xx:xx>)", (*Console).manualAddress},
	{"d", "Start name discovery", func(c *Console, _ string) error {
		return c.cmds.StartDiscovery()
	}},
	{"D", "Stop name discovery", func(c *Console, _ string) error {
		return c.cmds.StopDiscovery()
	}},
	{"e", "Start service discovery (SPP)", func(c *Console, _ string) error {
		return c.cmds.ResolveServices()
	}},
	{"f", "Connect 1st channel", func(c *Console, _ string) error {
		return c.cmds.ConnectChannel(1)
	}},
	{"g", "Connect 2nd channel", func(c *Console, _ string) error {
		return c.cmds.ConnectChannel(2)
	}},
	{"Z", "Close all channels", func(c *Console, _ string) error {
		return c.cmds.CloseAllSessions()
	}},
	{"s", "Show status", (*Console).status},
	{"l", "List devices seen during discovery", (*Console).peers},
}

// Usage returns the command help text
func Usage() string {
	var sb strings.Builder
	sb.WriteString("==== USAGE ====\n")
	for _, cmd := range commands {
		fmt.Fprintf(&sb, "    %s : %s\n", cmd.key, cmd.help)
	}
	sb.WriteString("===============\n")
	return sb.String()
}

// Console reads operator commands and answers pairing prompts
type Console struct {
	cmds   Commands
	sink   output.Sink
	logger *logrus.Logger

	mu          sync.Mutex
	answer      chan string
	wantAddress bool
}

// New creates a console driving cmds and printing to sink
func New(cmds Commands, sink output.Sink, logger *logrus.Logger) *Console {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = output.Discard
	}
	return &Console{cmds: cmds, sink: sink, logger: logger}
}

// Execute handles one input line. It returns true when the operator asked
// to quit. Command errors are printed, never returned.
func (c *Console) Execute(line string) bool {
	line = strings.TrimSpace(line)

	c.mu.Lock()
	if c.answer != nil {
		ch := c.answer
		c.answer = nil
		c.mu.Unlock()
		ch <- line
		return false
	}
	if c.wantAddress {
		c.wantAddress = false
		c.mu.Unlock()
		c.report(c.enterAddress(line))
		return false
	}
	c.mu.Unlock()

	if line == "" {
		return false
	}
	key, arg, _ := strings.Cut(line, " ")
	for _, cmd := range commands {
		if cmd.key != key {
			continue
		}
		switch cmd.key {
		case "q":
			return true
		case "?":
			output.Printf(c.sink, output.SourceInfo, "%s", strings.TrimRight(Usage(), "\n"))
			return false
		}
		c.logger.WithField("command", key).Debug("Console command")
		c.report(cmd.run(c, strings.TrimSpace(arg)))
		return false
	}

	output.Printf(c.sink, output.SourceInfo, "Unknown command %q, type ? for help", key)
	return false
}

func (c *Console) report(err error) {
	if err == nil {
		return
	}
	c.logger.WithError(err).Debug("Console command failed")
	output.Printf(c.sink, output.SourceInfo, "!! ERROR: %v", err)
}

func (c *Console) manualAddress(arg string) error {
	if arg != "" {
		return c.enterAddress(arg)
	}
	c.mu.Lock()
	c.wantAddress = true
	c.mu.Unlock()
	output.Printf(c.sink, output.SourcePrompt, "Input target BD address:")
	return nil
}

func (c *Console) enterAddress(text string) error {
	if err := c.cmds.EnterManualAddress(text); err != nil {
		return err
	}
	output.Printf(c.sink, output.SourceResult, "Input BD_ADDR : %s", strings.ToLower(text))
	return nil
}

func (c *Console) status(string) error {
	st := c.cmds.Status()
	output.Printf(c.sink, output.SourceResult, "Role: %s  Device: %s  Sessions: %d/%d  Events: %d",
		st.Role, st.Device, st.Sessions, st.Capacity, st.Handled)
	if d := st.Discovery; d != nil {
		addr := "-"
		if d.Address != nil {
			addr = d.Address.String()
		}
		output.Printf(c.sink, output.SourceResult, "Discovery: %s  Target: %s  Address: %s  Channels: %v  Inquiring: %t",
			d.State, d.TargetName, addr, d.Channels, d.Inquiring)
	}
	return nil
}

func (c *Console) peers(string) error {
	peers := c.cmds.Peers()
	if len(peers) == 0 {
		output.Printf(c.sink, output.SourceResult, "No devices seen")
		return nil
	}
	for i, p := range peers {
		mark := " "
		if p.Matched {
			mark = "*"
		}
		rssi := "n/a"
		if p.HasRSSI {
			rssi = fmt.Sprintf("%d dBm", p.RSSI)
		}
		output.Printf(c.sink, output.SourceResult, "%s[%d] %s  %-20q  %s", mark, i, p.Address, p.Name, rssi)
	}
	return nil
}

// Ask implements pairing.Prompter: the question is printed and the next
// input line is returned as the answer.
func (c *Console) Ask(ctx context.Context, question string) (string, error) {
	ch := make(chan string, 1)
	c.mu.Lock()
	if c.answer != nil {
		c.mu.Unlock()
		return "", ErrPromptBusy
	}
	c.answer = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.answer == ch {
			c.answer = nil
		}
		c.mu.Unlock()
	}()

	output.Printf(c.sink, output.SourcePrompt, "%s", question)
	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run reads lines from in until the operator quits, in reaches EOF or ctx
// is cancelled
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	groutine.Go(ctx, "console-reader", func(ctx context.Context) {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	})

	output.Printf(c.sink, output.SourceInfo, "Type ? for help")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if c.Execute(line) {
				return nil
			}
		}
	}
}

// Watch prints bus notifications, and session observations when verbose,
// until ctx is cancelled or both channels are closed
func (c *Console) Watch(ctx context.Context, notes <-chan events.Notification, observations <-chan session.Observation, verbose bool) {
	for notes != nil || observations != nil {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			output.Printf(c.sink, output.SourceResult, "%s", n)
		case o, ok := <-observations:
			if !ok {
				observations = nil
				continue
			}
			if verbose {
				output.Printf(c.sink, output.SourceData, "%s", FormatObservation(o))
			}
		}
	}
}

// FormatObservation renders one session observation
func FormatObservation(o session.Observation) string {
	if o.Err != nil {
		return fmt.Sprintf("handle=%d %s ended: %v", o.Handle, o.Remote, o.Err)
	}
	return fmt.Sprintf("handle=%d %s rx=%q tx=%d", o.Handle, o.Remote, o.Received, o.Written)
}

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	resultColor = color.New(color.FgGreen)
	infoColor   = color.New(color.FgYellow)
	dataColor   = color.New(color.FgHiBlack)
)

// Format renders a record for the terminal, colored by source
func Format(rec output.Record) string {
	ts := rec.Timestamp.Format(time.TimeOnly)
	switch rec.Source {
	case output.SourcePrompt:
		return promptColor.Sprint(rec.Content)
	case output.SourceResult:
		return resultColor.Sprint(rec.Content)
	case output.SourceData:
		return dataColor.Sprintf("%s %s", ts, rec.Content)
	default:
		return infoColor.Sprint(rec.Content)
	}
}
