package filter

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"

	"livefeed/internal/event"
)

// Runtime wraps goja VM with filter bindings
type Runtime struct {
	vm     *goja.Runtime
	logger zerolog.Logger
}

// NewRuntime creates a new Runtime with all necessary bindings
func NewRuntime(logger zerolog.Logger) *Runtime {
	vm := goja.New()
	r := &Runtime{
		vm:     vm,
		logger: logger,
	}
	r.setupConsole()
	r.setupUtils()
	return r
}

// VM returns the underlying goja runtime
func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

// setupConsole creates console.log, console.warn and console.debug bindings
func (r *Runtime) setupConsole() {
	console := r.vm.NewObject()

	logAt := func(level zerolog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			r.logger.WithLevel(level).Msgf("[filter] %v", args)
			return goja.Undefined()
		}
	}

	console.Set("log", logAt(zerolog.InfoLevel))
	console.Set("warn", logAt(zerolog.WarnLevel))
	console.Set("error", logAt(zerolog.ErrorLevel))
	console.Set("debug", logAt(zerolog.DebugLevel))

	r.vm.Set("console", console)
}

// setupUtils creates helpers for address handling
func (r *Runtime) setupUtils() {
	utils := r.vm.NewObject()

	// keccak256 hashes a 0x-prefixed hex string or a UTF-8 string
	utils.Set("keccak256", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("keccak256 requires 1 argument"))
		}
		s := call.Arguments[0].String()
		data := []byte(s)
		if strings.HasPrefix(s, "0x") {
			decoded, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
			if err != nil {
				panic(r.vm.ToValue(fmt.Sprintf("invalid hex string: %v", err)))
			}
			data = decoded
		}
		return r.vm.ToValue("0x" + hex.EncodeToString(keccak(data)))
	})

	// checksumAddress returns the EIP-55 mixed-case form of an address
	utils.Set("checksumAddress", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("checksumAddress requires address"))
		}
		addr, err := ChecksumAddress(call.Arguments[0].String())
		if err != nil {
			panic(r.vm.ToValue(err.Error()))
		}
		return r.vm.ToValue(addr)
	})

	r.vm.Set("utils", utils)
}

// Allow runs program and calls its filter function with ev
func (r *Runtime) Allow(program *goja.Program, ev event.Event) (bool, error) {
	if _, err := r.vm.RunProgram(program); err != nil {
		return true, fmt.Errorf("script error: %w", err)
	}

	fn, ok := goja.AssertFunction(r.vm.Get("filter"))
	if !ok {
		return true, fmt.Errorf("filter function not defined")
	}

	result, err := fn(goja.Undefined(), r.vm.ToValue(jsEvent(ev)))
	if err != nil {
		if jsErr, ok := err.(*goja.Exception); ok {
			return true, fmt.Errorf("%s", jsErr.String())
		}
		return true, err
	}

	allowed, ok := result.Export().(bool)
	if !ok {
		return true, fmt.Errorf("filter returned %v, want boolean", result.Export())
	}
	return allowed, nil
}

// jsEvent converts ev into plain values for the VM
func jsEvent(ev event.Event) map[string]interface{} {
	var data interface{}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			data = nil
		}
	}
	return map[string]interface{}{
		"topic":      ev.Topic,
		"kind":       string(ev.Kind),
		"data":       data,
		"timestamp":  ev.Timestamp.UnixMilli(),
		"receivedAt": ev.ReceivedAt.UnixMilli(),
	}
}

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// ChecksumAddress returns the EIP-55 checksum encoding of a 20-byte hex address
func ChecksumAddress(addr string) (string, error) {
	lower := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	if len(lower) != 40 {
		return "", fmt.Errorf("invalid address length")
	}
	if _, err := hex.DecodeString(lower); err != nil {
		return "", fmt.Errorf("invalid address: %w", err)
	}

	hash := hex.EncodeToString(keccak([]byte(lower)))
	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out), nil
}
