package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// The guest ABI: every component exports allocate/deallocate plus
// list-tools (no arguments) and call-tool(name, input), each returning
// a packed (ptr<<32 | len) uint64 pointing at a UTF-8 JSON payload in
// guest memory. This mirrors the ptr/len calling convention wasm
// plugins commonly expose for passing variable-length data across the
// host/guest boundary without a component-model runtime.
const (
	exportAllocate   = "allocate"
	exportDeallocate = "deallocate"
	exportListTools  = "list-tools"
	exportCallTool   = "call-tool"
)

type toolCallResult struct {
	Output json.RawMessage `json:"output"`
}

// introspectTools instantiates compiled once, calls list-tools, and
// closes the instance. Introspection always uses a throwaway instance
// even for stateful components: the retained instance is created lazily
// on first Call, not at Load.
func (m *Manager) introspectTools(ctx context.Context, compiled wazero.CompiledModule) ([]Tool, error) {
	cfg := wazero.NewModuleConfig().WithName(uuid.NewString())
	instance, err := m.runtime.Runtime().InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate component for introspection: %w", err)
	}
	defer func() { _ = instance.Close(ctx) }()

	fn := instance.ExportedFunction(exportListTools)
	if fn == nil {
		// A component exporting no list-tools is valid; it simply has
		// no callable tools.
		return nil, nil
	}

	results, err := fn.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s(): %w", exportListTools, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s() returned no results", exportListTools)
	}

	data, err := readPacked(ctx, instance, results[0])
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var tools []Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("failed to parse %s() result: %w", exportListTools, err)
	}
	return tools, nil
}

// callTool invokes a component's call-tool export with toolName and
// input, returning the guest's raw JSON output. Host-side capability
// denials and other tool-level failures are expected to already be
// encoded inside that JSON by the guest; callTool only returns a Go
// error for ABI-level failures (trap, malformed response).
func callTool(ctx context.Context, instance api.Module, toolName string, input json.RawMessage) (json.RawMessage, error) {
	namePtr, nameLen, err := writeBytes(ctx, instance, []byte(toolName))
	if err != nil {
		return nil, fmt.Errorf("failed to write tool name into guest memory: %w", err)
	}
	defer deallocate(ctx, instance, namePtr, nameLen)

	inputPtr, inputLen, err := writeBytes(ctx, instance, input)
	if err != nil {
		return nil, fmt.Errorf("failed to write tool input into guest memory: %w", err)
	}
	defer deallocate(ctx, instance, inputPtr, inputLen)

	fn := instance.ExportedFunction(exportCallTool)
	if fn == nil {
		return nil, fmt.Errorf("component does not export %s()", exportCallTool)
	}

	results, err := fn.Call(ctx, uint64(namePtr), uint64(nameLen), uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("failed to call %s(): %w", exportCallTool, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s() returned no results", exportCallTool)
	}

	data, err := readPacked(ctx, instance, results[0])
	if err != nil {
		return nil, err
	}

	var wrapped toolCallResult
	if err := json.Unmarshal(data, &wrapped); err != nil {
		// Not every guest wraps its output in {"output": ...}; accept
		// a bare JSON value as the output directly.
		return json.RawMessage(data), nil
	}
	if wrapped.Output != nil {
		return wrapped.Output, nil
	}
	return json.RawMessage(data), nil
}

// writeBytes allocates size bytes in guest memory via the allocate
// export and copies data into it, returning the pointer and length.
func writeBytes(ctx context.Context, instance api.Module, data []byte) (uint32, uint32, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}

	allocateFn := instance.ExportedFunction(exportAllocate)
	if allocateFn == nil {
		return 0, 0, fmt.Errorf("component does not export %s()", exportAllocate)
	}

	results, err := allocateFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to call %s(): %w", exportAllocate, err)
	}
	if len(results) == 0 {
		return 0, 0, fmt.Errorf("%s() returned no results", exportAllocate)
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, 0, fmt.Errorf("%s() returned a null pointer", exportAllocate)
	}
	if !instance.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("failed to write %d bytes at guest offset %d", len(data), ptr)
	}
	return ptr, uint32(len(data)), nil
}

// readPacked unpacks a (ptr<<32 | len) result, copies the bytes out of
// guest memory, and deallocates the guest-owned buffer.
func readPacked(ctx context.Context, instance api.Module, packed uint64) ([]byte, error) {
	ptr := uint32(packed >> 32)
	size := uint32(packed & 0xFFFFFFFF)
	if ptr == 0 || size == 0 {
		return nil, nil
	}
	defer deallocate(ctx, instance, ptr, size)

	data, ok := instance.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read %d bytes at guest offset %d", size, ptr)
	}
	out := make([]byte, size)
	copy(out, data)
	return out, nil
}

func deallocate(ctx context.Context, instance api.Module, ptr, size uint32) {
	if ptr == 0 {
		return
	}
	fn := instance.ExportedFunction(exportDeallocate)
	if fn == nil {
		return
	}
	_, _ = fn.Call(ctx, uint64(ptr), uint64(size))
}
