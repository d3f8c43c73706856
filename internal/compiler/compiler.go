// Package compiler drives solc through its standard-JSON interface and turns
// the output into deployable artifacts.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mbd888/lottery/internal/chain"
)

// OutputFile is where CompileFile writes the raw compiler output.
const OutputFile = "compiled_code.json"

var (
	ErrSolcNotFound = errors.New("compiler: solc not found")
	ErrCompilation  = errors.New("compiler: compilation failed")
)

// Input is a solc standard-JSON input document.
type Input struct {
	Language string            `json:"language"`
	Sources  map[string]Source `json:"sources"`
	Settings Settings          `json:"settings"`
}

// Source is one source unit.
type Source struct {
	Content string `json:"content"`
}

// Settings selects the compiler outputs.
type Settings struct {
	Optimizer       *Optimizer                     `json:"optimizer,omitempty"`
	OutputSelection map[string]map[string][]string `json:"outputSelection"`
}

// Optimizer configures solc's optimizer.
type Optimizer struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

// NewInput requests the ABI, metadata, bytecode and source map of every
// contract in sources (file name to content).
func NewInput(sources map[string]string) *Input {
	in := &Input{
		Language: "Solidity",
		Sources:  make(map[string]Source, len(sources)),
		Settings: Settings{
			OutputSelection: map[string]map[string][]string{
				"*": {"*": {"abi", "metadata", "evm.bytecode", "evm.sourceMap"}},
			},
		},
	}
	for name, content := range sources {
		in.Sources[name] = Source{Content: content}
	}
	return in
}

// Compiler runs a solc binary.
type Compiler struct {
	Solc   string // binary name or path; "solc" when empty
	Logger *slog.Logger
}

func (c *Compiler) solc() string {
	if c.Solc == "" {
		return "solc"
	}
	return c.Solc
}

func (c *Compiler) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Compile runs solc --standard-json on in and returns its raw output.
// Diagnostics of severity "error" fail the compilation; warnings are logged.
func (c *Compiler) Compile(ctx context.Context, in *Input) ([]byte, error) {
	bin, err := exec.LookPath(c.solc())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSolcNotFound, c.solc(), err)
	}
	input, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("compiler: encode input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "--standard-json") // #nosec G204 -- solc path comes from operator config
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrCompilation, err, strings.TrimSpace(stderr.String()))
	}

	var diag struct {
		Errors []struct {
			Severity         string `json:"severity"`
			FormattedMessage string `json:"formattedMessage"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &diag); err != nil {
		return nil, fmt.Errorf("%w: unreadable output: %v", ErrCompilation, err)
	}
	var failures []string
	for _, e := range diag.Errors {
		if e.Severity == "error" {
			failures = append(failures, strings.TrimSpace(e.FormattedMessage))
			continue
		}
		c.logger().Warn("solc diagnostic", "severity", e.Severity, "message", strings.TrimSpace(e.FormattedMessage))
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCompilation, strings.Join(failures, "; "))
	}
	return stdout.Bytes(), nil
}

// CompileFile compiles the Solidity file at path, writes the output to
// OutputFile in outDir and returns the named contract's artifact.
func (c *Compiler) CompileFile(ctx context.Context, path, outDir, contract string) (*chain.Artifact, error) {
	src, err := os.ReadFile(path) // #nosec G304 -- operator-supplied source path
	if err != nil {
		return nil, fmt.Errorf("compiler: read source: %w", err)
	}
	out, err := c.Compile(ctx, NewInput(map[string]string{filepath.Base(path): string(src)}))
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(outDir, OutputFile)
	if err := os.WriteFile(dst, out, 0o644); err != nil { // #nosec G306 -- compiler output is not secret
		return nil, fmt.Errorf("compiler: write %s: %w", dst, err)
	}
	c.logger().Info("compiled", "source", path, "output", dst)

	return chain.ParseArtifact(out, contract)
}
