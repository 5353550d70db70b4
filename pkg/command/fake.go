package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a scripted Runner for tests. Responses are keyed by the full
// command line ("mount -t ext4 /dev/sdb1 /mnt/x"). When several responses
// are queued for the same line they are consumed in order and the last one
// repeats.
type Fake struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     []string

	// Fallback answers command lines with no scripted response. When nil,
	// unscripted commands fail with exit code 127.
	Fallback func(name string, args []string) (Result, error)
}

type fakeResponse struct {
	res Result
	err error
}

// NewFake returns an empty Fake
func NewFake() *Fake {
	return &Fake{responses: make(map[string][]fakeResponse)}
}

// On queues a successful response with the given stdout.
func (f *Fake) On(cmdline, stdout string) *Fake {
	return f.Respond(cmdline, Result{Stdout: []byte(stdout)}, nil)
}

// Fail queues a failing response with the given exit code.
func (f *Fake) Fail(cmdline string, code int) *Fake {
	err := &ExitError{Name: strings.Fields(cmdline)[0], Code: code, Err: fmt.Errorf("exit status %d", code)}
	return f.Respond(cmdline, Result{Code: code}, err)
}

// Respond queues an arbitrary response.
func (f *Fake) Respond(cmdline string, res Result, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = append(f.responses[cmdline], fakeResponse{res: res, err: err})
	return f
}

// Run implements Runner.
func (f *Fake) Run(_ context.Context, name string, args ...string) (Result, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	f.mu.Lock()
	f.calls = append(f.calls, line)
	queue, ok := f.responses[line]
	var resp fakeResponse
	if ok && len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			f.responses[line] = queue[1:]
		}
	}
	fallback := f.Fallback
	f.mu.Unlock()

	if ok {
		return resp.res, resp.err
	}
	if fallback != nil {
		return fallback(name, args)
	}
	return Result{Code: 127}, &ExitError{Name: name, Args: args, Code: 127, Err: fmt.Errorf("unscripted command: %s", line)}
}

// Calls returns every command line run so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Called reports how many times a command line starting with prefix ran.
func (f *Fake) Called(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
