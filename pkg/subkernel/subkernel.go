// Package subkernel describes the interpreters a context can drive and turns
// their text/plain return values back into Go values.
package subkernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupported is returned by Lookup for an unknown kernel name.
var ErrUnsupported = errors.New("unsupported subkernel")

// Subkernel is an interpreter running inside a notebook kernel session.
type Subkernel interface {
	// DisplayName is the human readable interpreter name.
	DisplayName() string
	// KernelName is the notebook kernelspec name. Code cells are tagged with it.
	KernelName() string
	// DataframeTypeName names the dataframe library of the interpreter.
	DataframeTypeName() string
	// ParseReturn converts the text/plain return of an execution.
	ParseReturn(raw string) (any, error)
}

const (
	PythonKernelName = "python3"
	JuliaKernelName  = "julia-1.9"
)

// Python is the IPython kernel.
type Python struct{}

func (Python) DisplayName() string       { return "Python 3" }
func (Python) KernelName() string        { return PythonKernelName }
func (Python) DataframeTypeName() string { return "pandas" }

// ParseReturn evaluates the repr as a Python literal. An empty return is nil.
func (Python) ParseReturn(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := ParseLiteral(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse python return: %w", err)
	}
	return v, nil
}

// Julia is the IJulia kernel. Procedures for it return JSON strings.
type Julia struct{}

func (Julia) DisplayName() string       { return "Julia" }
func (Julia) KernelName() string        { return JuliaKernelName }
func (Julia) DataframeTypeName() string { return "DataFrames" }

// ParseReturn unquotes the returned string and decodes it as JSON.
func (Julia) ParseReturn(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := ParseLiteral(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse julia return: %w", err)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("julia return is %T, expected a JSON string", v)
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("failed to decode julia return: %w", err)
	}
	return out, nil
}

var known = map[string]Subkernel{
	PythonKernelName: Python{},
	JuliaKernelName:  Julia{},
}

// Lookup resolves a subkernel by kernel name.
func Lookup(kernelName string) (Subkernel, error) {
	sk, ok := known[kernelName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, kernelName)
	}
	return sk, nil
}

// Names returns the supported kernel names, sorted.
func Names() []string {
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
