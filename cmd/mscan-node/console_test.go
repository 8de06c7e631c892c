package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConsoleCommands(t *testing.T) {
	a, _ := newTestApp(t, func(c *appConfig) { c.Loopback = true; c.PollInterval = time.Hour })
	c := &console{node: a.node, drv: a.drv, history: historyOf(a), timeout: time.Second}
	run := func(name string, args ...string) (string, error) {
		for _, cmd := range c.commands() {
			if cmd.name == name {
				return cmd.run(args)
			}
		}
		t.Fatalf("no command %q", name)
		return "", nil
	}

	if out, _ := run("recv"); out != "no message" {
		t.Fatalf("recv on empty: %q", out)
	}
	if _, err := run("send"); err == nil {
		t.Fatalf("send without args accepted")
	}
	if _, err := run("send", "bogus"); err == nil {
		t.Fatalf("bad frame accepted")
	}
	out, err := run("send", "123#0102", "123#03")
	if err != nil || strings.Count(out, "sent") != 2 {
		t.Fatalf("send out=%q err=%v", out, err)
	}
	waitFor(t, "both frames", func() bool { return a.drv.Stats().RxFrames == 2 })
	if out, _ := run("avail"); out != "true" {
		t.Fatalf("avail=%q", out)
	}
	if out, _ := run("clear"); out != "cleared" || a.drv.DataAvailable() {
		t.Fatalf("clear did not reset the flag")
	}

	if _, err := run("send", "123#FF"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "third frame", func() bool { return a.drv.Stats().RxFrames == 3 })
	out, _ = run("recv")
	if !strings.HasPrefix(out, "#1 ") || !strings.Contains(out, "[FF]") {
		t.Fatalf("recv=%q", out)
	}
	if out, _ := run("last"); !strings.Contains(out, "[FF]") {
		t.Fatalf("last=%q", out)
	}
	if out, _ := run("status"); !strings.Contains(out, "initialized=true") || !strings.Contains(out, "consumed=1") {
		t.Fatalf("status=%q", out)
	}
	out, err = run("capture", "5")
	if err != nil || !strings.Contains(out, "[FF]") {
		t.Fatalf("capture=%q err=%v", out, err)
	}
	if _, err := run("capture", "x"); err == nil {
		t.Fatalf("bad count accepted")
	}
}

func TestConsoleSendTimesOutWhileTxHeld(t *testing.T) {
	a, _ := newTestApp(t, nil)
	a.ctrl.HoldTx(true)
	c := &console{node: a.node, drv: a.drv, timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := c.send([]string{"123#01"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("send returned after %v", el)
	}
}

func TestConsoleCaptureDisabled(t *testing.T) {
	c := &console{}
	for _, cmd := range c.commands() {
		if cmd.name == "capture" {
			if _, err := cmd.run(nil); err == nil {
				t.Fatalf("expected error without a store")
			}
			return
		}
	}
	t.Fatal("capture command missing")
}

func TestListenPort(t *testing.T) {
	if p, err := listenPort("127.0.0.1:20000"); err != nil || p != 20000 {
		t.Fatalf("p=%d err=%v", p, err)
	}
	if p, err := listenPort("[::]:1234"); err != nil || p != 1234 {
		t.Fatalf("p=%d err=%v", p, err)
	}
	if _, err := listenPort("nope"); err == nil {
		t.Fatalf("expected error")
	}
}
