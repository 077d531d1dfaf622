package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	// wasiMemoryLimitBytes caps sandbox memory (wazero pages are 64KiB).
	wasiMemoryLimitBytes = 64 * 1024 * 1024

	// wasiRunTimeout bounds one sandboxed plugin execution.
	wasiRunTimeout = 2 * time.Minute
)

// WASIPlugin executes a WebAssembly entrypoint in a deny-by-default WASI
// sandbox: no filesystem mounts, no network, no environment. The module
// receives its configuration as JSON on stdin and reports a result as JSON
// on stdout.
type WASIPlugin struct {
	metadata Metadata
	runtime  wazero.Runtime
	wasm     []byte
}

// NewWASIPlugin compiles nothing up front; it loads the module bytes and
// prepares a bounded runtime.
func NewWASIPlugin(ctx context.Context, metadata Metadata, wasmPath string) (*WASIPlugin, error) {
	wasm, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("read wasm entrypoint %s: %w", wasmPath, err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(wasiMemoryLimitBytes / (64 * 1024)).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &WASIPlugin{metadata: metadata, runtime: r, wasm: wasm}, nil
}

// Metadata implements Plugin.
func (p *WASIPlugin) Metadata() Metadata { return p.metadata }

// ValidateConfig implements Plugin. Sandboxed modules validate their own
// configuration; the host only requires it to be JSON-encodable.
func (p *WASIPlugin) ValidateConfig(config map[string]any) error {
	_, err := json.Marshal(config)
	return err
}

// Run implements Plugin. Instantiation failure, non-zero exit, and timeout
// all map to a failing Result rather than an error.
func (p *WASIPlugin) Run(ctx context.Context, config map[string]any) Result {
	runCtx, cancel := context.WithTimeout(ctx, wasiRunTimeout)
	defer cancel()

	input, err := json.Marshal(config)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("config not encodable: %v", err), ExitCode: 1}
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(p.metadata.Name).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := p.runtime.CompileModule(runCtx, p.wasm)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("wasm compilation failed: %v", err), ExitCode: 1}
	}
	defer func() { _ = compiled.Close(runCtx) }()

	mod, err := p.runtime.InstantiateModule(runCtx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(runCtx) }()
	}
	if err != nil {
		if runCtx.Err() != nil {
			return Result{Success: false, Message: fmt.Sprintf("execution timed out after %s", wasiRunTimeout), ExitCode: 124}
		}
		return Result{
			Success:  false,
			Message:  fmt.Sprintf("wasm execution failed: %v", err),
			Details:  map[string]any{"stderr": stderr.String()},
			ExitCode: 1,
		}
	}

	return decodeSandboxResult(p.metadata.Name, stdout.Bytes(), stderr.Bytes())
}

// Teardown implements TeardownHook, releasing the wazero runtime.
func (p *WASIPlugin) Teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.runtime.Close(ctx)
}

// decodeSandboxResult interprets the module's stdout as a JSON result,
// falling back to a generic success when the module prints plain text.
func decodeSandboxResult(name string, stdout, stderr []byte) Result {
	var parsed struct {
		Success  *bool          `json:"success"`
		Message  string         `json:"message"`
		Details  map[string]any `json:"details"`
		ExitCode int            `json:"exit_code"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &parsed); err == nil && parsed.Success != nil {
		return Result{
			Success:  *parsed.Success,
			Message:  parsed.Message,
			Details:  parsed.Details,
			ExitCode: parsed.ExitCode,
		}
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("%s completed", name),
		Details: map[string]any{
			"stdout": string(stdout),
			"stderr": string(stderr),
		},
	}
}
