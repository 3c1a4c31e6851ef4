package authcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/term"
)

var (
	// ErrNoCode is returned when the redirect URL carries no code parameter.
	ErrNoCode = errors.New("redirect url has no code parameter")
	// ErrNotInteractive is returned when a prompt is required but input is not a terminal.
	ErrNotInteractive = errors.New("authorization requires an interactive terminal")
)

// Provider supplies the authorization code for the given authorization URL.
type Provider interface {
	AuthorizationCode(ctx context.Context, authURL string) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, authURL string) (string, error)

// AuthorizationCode calls f.
func (f ProviderFunc) AuthorizationCode(ctx context.Context, authURL string) (string, error) {
	return f(ctx, authURL)
}

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// fileDescriptor is implemented by *os.File.
type fileDescriptor interface {
	Fd() uintptr
}

// Console prompts the operator on a terminal and reads back the redirect URL.
// One reader goroutine serves all prompts, so an abandoned prompt does not
// swallow the answer to the next one.
type Console struct {
	in  io.Reader
	out io.Writer

	// AllowNonTerminal permits reading the redirect URL from a pipe or file.
	AllowNonTerminal bool

	mu      sync.Mutex
	once    sync.Once
	want    chan struct{}
	lines   chan lineResult
	pending bool // a read was requested and its line not yet taken, guarded by mu
}

type lineResult struct {
	line string
	err  error
}

// Compile-time check to ensure Console implements Provider
var _ Provider = (*Console)(nil)

// NewConsole creates a Console reading from in and writing the prompt to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

// AuthorizationCode prints authURL, waits for one line holding the full
// redirect URL and extracts the code from it.
//
// The read cannot be interrupted; if ctx ends first the pending read carries
// over to the next call. A line that arrived before that call prompts is discarded.
func (c *Console) AuthorizationCode(ctx context.Context, authURL string) (string, error) {
	if !c.AllowNonTerminal {
		f, ok := c.in.(fileDescriptor)
		if !ok || !isTerminal(int(f.Fd())) {
			return "", ErrNotInteractive
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.once.Do(c.startReader)

	// A line that arrived while nobody was prompting answers an abandoned prompt
	if c.pending {
		select {
		case <-c.lines:
			c.pending = false
		default:
		}
	}

	if _, err := fmt.Fprintf(c.out, "Visit this link to authorize:\n%s\nEnter the full redirect URL: ", authURL); err != nil {
		return "", err
	}

	if !c.pending {
		c.want <- struct{}{}
		c.pending = true
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-c.lines:
		c.pending = false
		if r.err != nil {
			return "", fmt.Errorf("reading redirect url: %w", r.err)
		}
		return ExtractCode(r.line)
	}
}

// startReader launches the goroutine that reads one line per request.
// It lives as long as the process, blocked on input or on the next request.
func (c *Console) startReader() {
	c.want = make(chan struct{})
	c.lines = make(chan lineResult, 1)
	reader := bufio.NewReader(c.in)
	go func() {
		for range c.want {
			line, err := readLine(reader)
			c.lines <- lineResult{line: line, err: err}
		}
	}()
}

// readLine reads a single line, trimming surrounding whitespace. A final line
// without newline is accepted.
func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Static returns a Provider that always answers with redirectURL.
// Useful for scripted runs and tests.
func Static(redirectURL string) Provider {
	return ProviderFunc(func(ctx context.Context, _ string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return ExtractCode(redirectURL)
	})
}

// ExtractCode returns the value of the code query parameter in redirectURL,
// terminated at the next '&'. The value is URL-decoded.
func ExtractCode(redirectURL string) (string, error) {
	s := strings.TrimSpace(redirectURL)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	for offset := 0; ; {
		i := strings.Index(s[offset:], "code=")
		if i < 0 {
			return "", ErrNoCode
		}
		start := offset + i
		// Only a parameter boundary counts, "xcode=" is not the code
		if start == 0 || s[start-1] == '?' || s[start-1] == '&' {
			raw := s[start+len("code="):]
			if amp := strings.IndexByte(raw, '&'); amp >= 0 {
				raw = raw[:amp]
			}
			if raw == "" {
				return "", ErrNoCode
			}
			code, err := url.QueryUnescape(raw)
			if err != nil {
				return "", fmt.Errorf("decoding code parameter: %w", err)
			}
			return code, nil
		}
		offset = start + len("code=")
	}
}
