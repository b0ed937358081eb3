// Package prompt asks the person at the terminal to approve gated actions and
// to type passwords.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"keyvault/go-backend/internal/gate"

	"golang.org/x/term"
)

var ErrPasswordMismatch = errors.New("the entered passwords do not match")

type lineResult struct {
	line string
	err  error
}

// Terminal is a gate.Confirmer reading answers from in and writing questions
// to out. Prompts are serialized; a cancelled prompt leaves its pending line
// to the next reader.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	reader *bufio.Reader
	fd     int
	isTTY  bool

	lines    chan lineResult
	inFlight bool
}

var _ gate.Confirmer = (*Terminal)(nil)

func New(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{out: out, reader: bufio.NewReader(in), fd: -1, lines: make(chan lineResult, 1)}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
		t.isTTY = true
	}
	return t
}

// Stdio prompts on the process terminal.
func Stdio() *Terminal { return New(os.Stdin, os.Stdout) }

// Confirm shows the action and waits for yes or no. Anything but an explicit
// yes is a rejection.
func (t *Terminal) Confirm(ctx context.Context, p gate.Prompt) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.out)
	if p.Steps > 1 {
		fmt.Fprintf(t.out, "%s (confirmation %d of %d)\n", p.Action.Title, p.Step, p.Steps)
	} else {
		fmt.Fprintln(t.out, p.Action.Title)
	}
	width := 0
	for _, d := range p.Action.Details {
		width = max(width, len(d.Label))
	}
	for _, d := range p.Action.Details {
		fmt.Fprintf(t.out, "  %-*s  %s\n", width, d.Label, d.Value)
	}
	for {
		fmt.Fprint(t.out, "Approve? (y/n) [n]: ")
		line, err := t.readLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "", "n", "no":
			return false, nil
		}
	}
}

// Password reads a non-empty password. With confirm set it is asked twice and
// both entries must match.
func (t *Terminal) Password(ctx context.Context, prefix string, confirm bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		fmt.Fprintf(t.out, "%s: ", prefix)
		pass, err := t.readSecret(ctx)
		if err != nil {
			return "", err
		}
		if pass == "" {
			continue
		}
		if !confirm {
			return pass, nil
		}
		fmt.Fprint(t.out, "Confirm password: ")
		again, err := t.readSecret(ctx)
		if err != nil {
			return "", err
		}
		if pass != again {
			fmt.Fprintln(t.out, ErrPasswordMismatch.Error())
			continue
		}
		return pass, nil
	}
}

// Line reads one line of free text.
func (t *Terminal) Line(ctx context.Context, prefix string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "%s: ", prefix)
	line, err := t.readLine(ctx)
	return strings.TrimSpace(line), err
}

func (t *Terminal) readSecret(ctx context.Context) (string, error) {
	if !t.isTTY || t.inFlight {
		line, err := t.readLine(ctx)
		return strings.TrimSpace(line), err
	}
	pass, err := term.ReadPassword(t.fd)
	fmt.Fprintln(t.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(pass)), nil
}

// readLine reads in the background so ctx can interrupt the wait.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	if !t.inFlight {
		t.inFlight = true
		go func() {
			line, err := t.reader.ReadString('\n')
			if err != nil && line != "" && errors.Is(err, io.EOF) {
				err = nil
			}
			t.lines <- lineResult{line: strings.TrimRight(line, "\r\n"), err: err}
		}()
	}
	select {
	case r := <-t.lines:
		t.inFlight = false
		return r.line, r.err
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return "", ctx.Err()
	}
}
