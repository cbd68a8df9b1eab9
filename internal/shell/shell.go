// Package shell implements the interactive menu loop.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/njt/go365cal/internal/dateparse"
	"github.com/njt/go365cal/internal/output"
	"github.com/njt/go365cal/libgo365"
)

const (
	menu = "Please choose one of the following options:\n" +
		"0. Exit\n" +
		"1. Display access token\n" +
		"2. List calendar events\n"

	invalidChoice = "Invalid choice! Please try again."
	farewell      = "Goodbye..."
)

// Choice is a menu selection.
type Choice int

const (
	ChoiceInvalid Choice = -1
	ChoiceExit    Choice = 0
	ChoiceToken   Choice = 1
	ChoiceEvents  Choice = 2
)

// ParseChoice reads a menu line. ok is false for non-numeric input, in which
// case the choice is ChoiceInvalid. Numbers outside the menu parse fine and
// are rejected at dispatch.
func ParseChoice(line string) (choice Choice, ok bool) {
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return ChoiceInvalid, false
	}
	return Choice(n), true
}

// EventLister is the Graph call behind option 2.
type EventLister interface {
	ListEvents(ctx context.Context) ([]*libgo365.Event, error)
}

// Session carries what the signed-in shell works with. It is built once
// after sign-in and passed in explicitly.
type Session struct {
	Token     *libgo365.TokenResult
	Events    EventLister
	Formatter output.TimestampFormatter
	Logger    *slog.Logger
}

// Shell reads menu choices from in and writes to out.
type Shell struct {
	in      *bufio.Scanner
	out     io.Writer
	session Session
	lines   chan inputLine
}

// inputLine is one result of scanning in. ok is false at end of input.
type inputLine struct {
	text string
	ok   bool
	err  error
}

// New creates a shell. A nil Formatter uses the machine's local zone; a nil
// Logger discards.
func New(in io.Reader, out io.Writer, session Session) *Shell {
	if session.Formatter == nil {
		session.Formatter = dateparse.NewFormatter()
	}
	if session.Logger == nil {
		session.Logger = slog.New(slog.DiscardHandler)
	}
	return &Shell{
		in:      bufio.NewScanner(in),
		out:     out,
		session: session,
	}
}

// Run loops until the user exits, input ends or ctx is done, in which case it
// returns ctx's error without waiting for input. Graph failures are printed
// and the loop continues. A Shell runs once.
func (s *Shell) Run(ctx context.Context) error {
	// Stops the input goroutine once Run returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fmt.Fprint(s.out, menu)

		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if !line.ok {
			if line.err != nil {
				return fmt.Errorf("failed to read input: %w", line.err)
			}
			fmt.Fprintln(s.out, farewell)
			return nil
		}

		choice, ok := ParseChoice(line.text)
		if !ok {
			s.session.Logger.Debug("non-numeric menu input", "input", line.text)
		}

		switch choice {
		case ChoiceExit:
			fmt.Fprintln(s.out, farewell)
			return nil
		case ChoiceToken:
			s.displayToken()
		case ChoiceEvents:
			s.listEvents(ctx)
		default:
			fmt.Fprintln(s.out, invalidChoice)
		}
	}
}

// readLine waits for the next input line or for ctx to end, whichever comes
// first. The scanner runs in its own goroutine since reads from a terminal
// cannot be interrupted.
func (s *Shell) readLine(ctx context.Context) (inputLine, error) {
	if s.lines == nil {
		s.lines = make(chan inputLine)
		go s.scan(ctx)
	}

	select {
	case <-ctx.Done():
		return inputLine{}, ctx.Err()
	case line := <-s.lines:
		return line, nil
	}
}

func (s *Shell) scan(ctx context.Context) {
	for {
		var line inputLine
		if s.in.Scan() {
			line = inputLine{text: s.in.Text(), ok: true}
		} else {
			line = inputLine{err: s.in.Err()}
		}

		select {
		case s.lines <- line:
		case <-ctx.Done():
			return
		}
		if !line.ok {
			return
		}
	}
}

func (s *Shell) displayToken() {
	token := ""
	if s.session.Token != nil {
		token = s.session.Token.AccessToken
	}
	output.PrintToken(s.out, token)
}

func (s *Shell) listEvents(ctx context.Context) {
	if s.session.Events == nil {
		fmt.Fprintln(s.out, "Error getting events: not signed in")
		return
	}

	events, err := s.session.Events.ListEvents(ctx)
	if err != nil {
		s.session.Logger.Debug("list events failed", "err", err)
		fmt.Fprintf(s.out, "Error getting events: %v\n", err)
		return
	}
	output.PrintEvents(s.out, s.session.Formatter, events)
}
