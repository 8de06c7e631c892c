package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/kstaniek/go-mscan/internal/api"
	"github.com/kstaniek/go-mscan/internal/mscan"
	"github.com/kstaniek/go-mscan/internal/node"
)

// consoleDriver is the driver surface the console touches directly.
type consoleDriver interface {
	DataAvailable() bool
	ClearDataAvailable()
}

type console struct {
	node    *node.Node
	drv     consoleDriver
	history api.History
	timeout time.Duration
}

// historyOf returns the capture store as a History, or nil when disabled.
func historyOf(a *app) api.History {
	if a.store == nil {
		return nil
	}
	return a.store
}

type consoleCmd struct {
	name string
	help string
	run  func(args []string) (string, error)
}

func (c *console) commands() []consoleCmd {
	return []consoleCmd{
		{"send", "send <ID#DATA>...  transmit frames and wait for completion", c.send},
		{"recv", "recv  consume the waiting message, if any", c.recv},
		{"last", "last  show the most recent consumed message", c.last},
		{"avail", "avail  report the receive flag", c.avail},
		{"clear", "clear  discard the waiting message", c.clear},
		{"status", "status  driver and node counters", c.status},
		{"capture", "capture [n]  show the newest captured messages", c.capture},
	}
}

func (c *console) send(args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("usage: send <ID#DATA>...")
	}
	var out []string
	for _, a := range args {
		f, err := node.ParseFrame(a)
		if err != nil {
			return strings.Join(out, "\n"), err
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err = c.node.SendWait(ctx, f)
		cancel()
		if err != nil {
			return strings.Join(out, "\n"), fmt.Errorf("%s: %w", f, err)
		}
		out = append(out, "sent "+f.String())
	}
	return strings.Join(out, "\n"), nil
}

func formatMessage(m node.Message) string {
	return fmt.Sprintf("#%d %s len=%d ts=%04X [%s]", m.Seq, m.At.Format(time.RFC3339Nano), m.Len, m.Timestamp, m.Data)
}

func (c *console) recv([]string) (string, error) {
	if !c.node.Poll() {
		return "no message", nil
	}
	m, _ := c.node.Latest()
	return formatMessage(m), nil
}

func (c *console) last([]string) (string, error) {
	m, ok := c.node.Latest()
	if !ok {
		return "no message", nil
	}
	return formatMessage(m), nil
}

func (c *console) avail([]string) (string, error) {
	return strconv.FormatBool(c.drv.DataAvailable()), nil
}

func (c *console) clear([]string) (string, error) {
	c.drv.ClearDataAvailable()
	return "cleared", nil
}

func (c *console) status([]string) (string, error) {
	st := c.node.Status()
	d := st.Driver
	return fmt.Sprintf("initialized=%v tx=%d tx_full=%d rx=%d rx_overwrite=%d available=%v slots_busy=%03b consumed=%d retries=%d queued=%d",
		d.Initialized, d.TxFrames, d.TxFull, d.RxFrames, d.RxOverwrite, d.Available, d.SlotsBusy,
		st.Received, st.Retries, st.TxQueued), nil
}

func (c *console) capture(args []string) (string, error) {
	if c.history == nil {
		return "", errors.New("capture store disabled")
	}
	n := 10
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return "", fmt.Errorf("bad count %q", args[0])
		}
		n = v
	}
	recs, err := c.history.Recent(n)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("#%d %s len=%d ts=%04X [% X]", r.Seq, r.At.Format(time.RFC3339Nano), r.Len, r.Timestamp, r.Data))
	}
	return strings.Join(lines, "\n"), nil
}

// startConsole runs the interactive shell until the user exits; exit then
// cancels the node.
func startConsole(c *console, stop func()) *ishell.Shell {
	shell := ishell.New()
	shell.SetPrompt("mscan> ")
	shell.Println("mscan-node " + version + " console, 'help' lists commands")
	for _, cmd := range c.commands() {
		cmd := cmd
		shell.AddCmd(&ishell.Cmd{
			Name: cmd.name,
			Help: cmd.help,
			Func: func(ctx *ishell.Context) {
				out, err := cmd.run(ctx.Args)
				if out != "" {
					ctx.Println(out)
				}
				if err != nil {
					ctx.Err(err)
				}
			},
		})
	}
	go func() {
		shell.Run()
		stop()
	}()
	return shell
}

var _ consoleDriver = (*mscan.Driver)(nil)
