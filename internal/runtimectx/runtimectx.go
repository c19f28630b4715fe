// Package runtimectx holds the process-wide wazero engine and the
// host-imports surface shared by every component: one Runtime is
// expensive to build and safe to share read-only once constructed.
package runtimectx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wassette-dev/wassette/internal/policy"
)

// hostModuleName and hostFuncHTTPFetch name the one guest-importable
// host function this Context registers: outbound HTTP, gated per-call
// against the composed policy.HostState (§4.3/§4.4). A component
// imports "wassette"."http-fetch" the same ptr/len way it exports
// allocate/list-tools/call-tool (internal/lifecycle/abi.go) — the
// guest writes a JSON-encoded httpRequest into its own memory via its
// allocate export, calls the import with (ptr, len), and receives back
// a packed (ptr<<32|len) pointing at a JSON-encoded httpResponse that
// this host function wrote using the same allocate export.
const (
	hostModuleName    = "wassette"
	hostFuncHTTPFetch = "http-fetch"
)

// ErrHostCallDenied is reported to the guest when a gated host import
// refuses a call — e.g. an outbound HTTP request to a host not on the
// allow-list. http-fetch writes its text into the httpResponse's Error
// field with Denied set; the host call itself does not trap.
var ErrHostCallDenied = errors.New("runtimectx: host call denied by policy")

// ErrFuelExhausted is returned when a component's approximated CPU-fuel
// budget (a host-call counter, since wazero has no native fuel meter)
// is spent.
var ErrFuelExhausted = errors.New("runtimectx: cpu fuel exhausted")

// Context owns the shared wazero.Runtime and its registered host
// modules. Exactly one Context exists per host process.
type Context struct {
	logger  *slog.Logger
	runtime wazero.Runtime
	cache   wazero.CompilationCache
}

// Options configures the shared runtime at construction time.
type Options struct {
	// CompilationCache backs compiled-module reuse across restarts; see
	// internal/cache.
	CompilationCache wazero.CompilationCache
	Logger           *slog.Logger
}

// New builds the process-wide engine: wazero's default
// interpreter-or-compiler runtime provides core WebAssembly plus
// cooperative/asynchronous host-call suspension (wazero does not
// implement the Component Model; the ptr/len calling convention in
// internal/lifecycle/abi.go stands in for it, as noted there), WASI
// preview1 is instantiated once, the outbound-HTTP host import is
// registered once (§4.3's "host imports registered once"), and the
// compilation cache (if any) is wired in so Compile calls made later
// through this Context are content-addressed across restarts.
func New(ctx context.Context, opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if opts.CompilationCache != nil {
		cfg = cfg.WithCompilationCache(opts.CompilationCache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasi_snapshot_preview1: %w", err)
	}

	if _, err := rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(httpFetch(logger)).
		Export(hostFuncHTTPFetch).
		Instantiate(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to register %s.%s host import: %w", hostModuleName, hostFuncHTTPFetch, err)
	}

	return &Context{logger: logger, runtime: rt, cache: opts.CompilationCache}, nil
}

// Runtime returns the shared wazero.Runtime, for use by the
// Compilation Cache's CompileModule calls.
func (c *Context) Runtime() wazero.Runtime {
	return c.runtime
}

// Close releases the runtime and every module instantiated from it.
func (c *Context) Close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}

// FuelMeter approximates wasmtime-style fuel metering: wazero has no
// native fuel counter, so a component's resources.cpu_fuel budget is
// spent by counting host-import calls rather than executed
// instructions. The Lifecycle Manager builds a fresh FuelMeter for
// every call, stateful or not, and charges one unit when the call
// starts; the http-fetch import charges one unit per request. WASI
// imports are not metered. This is documented as an approximation, not
// a drop-in replacement (DESIGN.md).
type FuelMeter struct {
	budget    uint64
	unlimited bool
	spent     uint64
}

// NewFuelMeter builds a FuelMeter from a composed HostState. A state
// with no resources.cpu_fuel rule is treated as unlimited.
func NewFuelMeter(state *policy.HostState) *FuelMeter {
	if state == nil || !state.HasCPUFuel {
		return &FuelMeter{unlimited: true}
	}
	return &FuelMeter{budget: state.CPUFuel}
}

// Charge consumes one unit of fuel for a host-import call and reports
// ErrFuelExhausted once the budget is spent.
func (f *FuelMeter) Charge() error {
	if f.unlimited {
		return nil
	}
	f.spent++
	if f.spent > f.budget {
		return ErrFuelExhausted
	}
	return nil
}

// ModuleConfig builds the wazero.ModuleConfig for one instantiation,
// wiring in the preopened directories and environment view a composed
// policy.HostState allows, plus the sandbox's standard IO streams.
// Outbound HTTP is not a WASI import and so is not configured here:
// guests reach it through the "wassette"."http-fetch" host function
// this package registers once in New, gated per-call by the same
// HostState via WithHostState/AllowsHost.
func ModuleConfig(state *policy.HostState, stdin io.Reader, stdout, stderr io.Writer) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithStdin(stdin).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()

	if state == nil {
		return cfg
	}

	if len(state.Mounts) > 0 {
		fsConfig := wazero.NewFSConfig()
		for _, m := range state.Mounts {
			if m.ReadOnly {
				fsConfig = fsConfig.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
			} else {
				fsConfig = fsConfig.WithDirMount(m.HostPath, m.GuestPath)
			}
		}
		cfg = cfg.WithFSConfig(fsConfig)
	}

	for k, v := range state.Env {
		cfg = cfg.WithEnv(k, v)
	}

	return cfg
}

// WithDeadline returns a derived context bounded by the HostState's
// timeout, if any, approximating wasmtime's epoch-based preemption:
// WithCloseOnContextDone on the runtime config means a deadline firing
// here force-closes every store instantiated from it, interrupting the
// guest rather than waiting for it to yield.
func WithDeadline(ctx context.Context, state *policy.HostState) (context.Context, context.CancelFunc) {
	if state == nil || !state.HasTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, state.Timeout)
}

type hostStateKeyType struct{}

var hostStateKey hostStateKeyType

// callState is what WithHostState threads through ctx to the
// http-fetch host import: the composed gate for this call plus the
// FuelMeter it must charge, the same per-call meter the Lifecycle
// Manager charged when the call started.
type callState struct {
	state *policy.HostState
	fuel  *FuelMeter
}

// WithHostState attaches the composed HostState and FuelMeter for one
// call (or one retained instance's turn) to ctx, so the outbound-HTTP
// host import — a process-wide singleton registered once in New — can
// consult the right gate without the Lifecycle Manager reaching into
// wazero's call machinery itself.
func WithHostState(ctx context.Context, state *policy.HostState, fuel *FuelMeter) context.Context {
	return context.WithValue(ctx, hostStateKey, callState{state: state, fuel: fuel})
}

func hostStateFromContext(ctx context.Context) (*policy.HostState, *FuelMeter) {
	cs, ok := ctx.Value(hostStateKey).(callState)
	if !ok {
		return nil, nil
	}
	return cs.state, cs.fuel
}

// httpRequest is the guest-supplied shape for an outbound HTTP call.
type httpRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// httpResponse is what the host writes back. Denied and Error are
// mutually exclusive with a populated Status; exactly one of the three
// outcomes (success, denial, transport error) is reported per call.
type httpResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Denied  bool              `json:"denied,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// httpClient bounds every outbound request with a generous ceiling;
// the tighter, policy-driven bound is the call's own deadline (§4.3
// WithDeadline), already applied to ctx before this import is reached.
var httpClient = &http.Client{Timeout: 60 * time.Second}

// httpFetch builds the host function backing "wassette"."http-fetch".
// It reads a JSON httpRequest from guest memory at (reqPtr, reqLen),
// checks the target host against the call's composed HostState via
// AllowsHost, charges one fuel unit, performs the request, and writes
// a JSON httpResponse back into guest memory using the guest's own
// allocate export — returning a packed (ptr<<32|len) the same way
// list-tools/call-tool do, or 0 if the guest's memory/allocate export
// itself is unusable.
func httpFetch(logger *slog.Logger) func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
	return func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
		raw, ok := mod.Memory().Read(reqPtr, reqLen)
		if !ok {
			logger.Error("http-fetch: failed to read request from guest memory")
			return 0
		}

		var req httpRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return writeHostResponse(ctx, mod, httpResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		}

		state, fuel := hostStateFromContext(ctx)
		host := requestHost(req.URL)
		if state == nil || !state.AllowsHost(host) {
			logger.Warn("http-fetch: denied by policy", "host", host)
			return writeHostResponse(ctx, mod, httpResponse{Denied: true, Error: ErrHostCallDenied.Error()})
		}

		if fuel != nil {
			if err := fuel.Charge(); err != nil {
				return writeHostResponse(ctx, mod, httpResponse{Error: err.Error()})
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, strings.NewReader(req.Body))
		if err != nil {
			return writeHostResponse(ctx, mod, httpResponse{Error: err.Error()})
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := httpClient.Do(httpReq)
		if err != nil {
			return writeHostResponse(ctx, mod, httpResponse{Error: err.Error()})
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return writeHostResponse(ctx, mod, httpResponse{Error: err.Error()})
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}

		return writeHostResponse(ctx, mod, httpResponse{Status: resp.StatusCode, Headers: headers, Body: string(body)})
	}
}

// requestHost extracts the hostname AllowsHost checks against,
// ignoring a malformed URL (treated as no host, which AllowsHost
// always denies since it can never appear in an allow-list).
func requestHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// writeHostResponse marshals resp and copies it into guest memory via
// mod's own allocate export, mirroring internal/lifecycle/abi.go's
// writeBytes. Returns 0 (an empty packed result, which the guest
// receives from the import) if the guest cannot accept the write.
func writeHostResponse(ctx context.Context, mod api.Module, resp httpResponse) uint64 {
	data, err := json.Marshal(resp)
	if err != nil {
		return 0
	}

	allocateFn := mod.ExportedFunction("allocate")
	if allocateFn == nil {
		return 0
	}
	results, err := allocateFn.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}

	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}
