package cut

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// defaultBinary is used when no explicit ffmpeg path is configured.
const defaultBinary = "ffmpeg"

// stderrKeep bounds how many recent stderr lines are retained for error
// reporting.
const stderrKeep = 50

type input struct {
	args []string
	url  string
}

// CommandBuilder assembles an ffmpeg invocation with a fluent API.
type CommandBuilder struct {
	binary        string
	globalArgs    []string
	inputs        []input
	filterComplex string
	maps          []string
	outputArgs    []string
	output        string
	logLevel      string
}

// NewCommandBuilder creates a builder for the given ffmpeg binary; an
// empty path falls back to $PATH lookup.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	if ffmpegPath == "" {
		ffmpegPath = defaultBinary
	}
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Input adds an input with optional input-side arguments.
func (b *CommandBuilder) Input(url string, args ...string) *CommandBuilder {
	b.inputs = append(b.inputs, input{args: args, url: url})
	return b
}

// FilterComplex sets the filter graph.
func (b *CommandBuilder) FilterComplex(graph string) *CommandBuilder {
	b.filterComplex = graph
	return b
}

// Map selects an output stream by label or specifier.
func (b *CommandBuilder) Map(label string) *CommandBuilder {
	b.maps = append(b.maps, label)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	for _, in := range b.inputs {
		args = append(args, in.args...)
		args = append(args, "-i", in.url)
	}
	if b.filterComplex != "" {
		args = append(args, "-filter_complex", b.filterComplex)
	}
	for _, m := range b.maps {
		args = append(args, "-map", m)
	}
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{Binary: b.binary, Args: args}
}

// Command is a built ffmpeg invocation.
type Command struct {
	Binary string
	Args   []string

	stdin io.Reader

	stderrMu    sync.Mutex
	stderrLines []string
}

// Stdin feeds the given reader to the process on fd 0.
func (c *Command) Stdin(r io.Reader) *Command {
	c.stdin = r
	return c
}

// String returns the command line for logging.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// StreamToWriter runs ffmpeg and streams its stdout to w without
// buffering the whole output. Stderr is captured so failures carry the
// encoder's own diagnostics.
func (c *Command) StreamToWriter(ctx context.Context, w io.Writer) error {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Stdin = c.stdin
	cmd.Stdout = w

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.stderrMu.Lock()
			if len(c.stderrLines) >= stderrKeep {
				c.stderrLines = c.stderrLines[1:]
			}
			c.stderrLines = append(c.stderrLines, scanner.Text())
			c.stderrMu.Unlock()
		}
	}()

	waitErr := cmd.Wait()
	<-done

	if waitErr != nil {
		if tail := c.stderrTail(); tail != "" {
			return fmt.Errorf("ffmpeg failed: %w (%s)", waitErr, tail)
		}
		return fmt.Errorf("ffmpeg failed: %w", waitErr)
	}
	return nil
}

// StderrLines returns the recent stderr lines captured from ffmpeg.
func (c *Command) StderrLines() []string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

func (c *Command) stderrTail() string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if len(c.stderrLines) == 0 {
		return ""
	}
	return c.stderrLines[len(c.stderrLines)-1]
}
