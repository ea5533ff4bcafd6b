package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nooterra/nooterra/pkg/client"
)

// runStreamCmd tails a session's event stream, one JSON event per line.
func runStreamCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("stream", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		session, eventType, since string
		lastEventID               string
		maxEvents                 int
		profile, profilesDir      string
	)
	cmd.StringVar(&session, "session", "", "session id (REQUIRED)")
	cmd.StringVar(&eventType, "event-type", "", "only this event type")
	cmd.StringVar(&since, "since", "", "start after this event id")
	cmd.StringVar(&lastEventID, "last-event-id", "", "resume after this event id")
	cmd.IntVar(&maxEvents, "max", 0, "stop after n events (0 = until the stream ends)")
	cmd.StringVar(&profile, "profile", "", "configuration profile")
	cmd.StringVar(&profilesDir, "profiles-dir", "", "directory holding profile_<name>.yaml")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if session == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --session is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setupRuntime(ctx, profile, profilesDir, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close()
	c, err := rt.client()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	stream, err := c.StreamSessionEvents(ctx, session,
		client.SessionEventsQuery{EventType: eventType, SinceEventID: since},
		client.StreamOptions{LastEventID: lastEventID},
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = stream.Close() }()

	enc := json.NewEncoder(stdout)
	n := 0
	for ev, err := range stream.All() {
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return 0
			}
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_ = enc.Encode(ev)
		n++
		if maxEvents > 0 && n >= maxEvents {
			break
		}
	}
	return 0
}
