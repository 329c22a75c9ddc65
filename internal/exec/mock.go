package exec

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MockResponse is what a matched command returns. When Sequence is set,
// successive matching calls consume it in order and the last entry repeats.
type MockResponse struct {
	Stdout   []byte
	Stderr   []byte
	Err      error
	Sequence []MockResponse
}

// MockCall records one invocation.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

type mockRule struct {
	name   string
	args   []string
	prefix bool
	resp   MockResponse
	hits   int
}

// MockExecutor answers commands from registered rules. Unmatched commands
// go to the fallback executor, or fail when there is none.
type MockExecutor struct {
	mu       sync.Mutex
	rules    []*mockRule
	calls    []MockCall
	fallback CommandExecutor
}

// NewMockExecutor returns a mock that delegates unmatched commands to fallback (may be nil).
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddExactMatch answers name+args exactly.
func (m *MockExecutor) AddExactMatch(name string, args []string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &mockRule{name: name, args: args, resp: resp})
}

// AddPrefixMatch answers any call whose args start with args.
func (m *MockExecutor) AddPrefixMatch(name string, args []string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &mockRule{name: name, args: args, prefix: true, resp: resp})
}

// GetCalls returns a copy of all recorded calls.
func (m *MockExecutor) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *MockExecutor) lookup(dir, name string, args []string) (MockResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Dir: dir, Name: name, Args: slices.Clone(args)})
	for _, r := range m.rules {
		if r.name != name {
			continue
		}
		if r.prefix {
			if len(args) < len(r.args) || !slices.Equal(args[:len(r.args)], r.args) {
				continue
			}
		} else if !slices.Equal(args, r.args) {
			continue
		}
		resp := r.resp
		if len(resp.Sequence) > 0 {
			i := min(r.hits, len(resp.Sequence)-1)
			resp = resp.Sequence[i]
		}
		r.hits++
		return resp, true
	}
	return MockResponse{}, false
}

func (m *MockExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	if resp, ok := m.lookup(dir, name, args); ok {
		return resp.Stdout, resp.Stderr, resp.Err
	}
	if m.fallback != nil {
		return m.fallback.Run(ctx, dir, name, args...)
	}
	return nil, nil, fmt.Errorf("mock: unexpected command %s", FormatCommand(name, args...))
}

func (m *MockExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	stdout, _, err := m.Run(ctx, dir, name, args...)
	return stdout, err
}

func (m *MockExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if resp, ok := m.lookup(dir, name, args); ok {
		return append(append([]byte{}, resp.Stdout...), resp.Stderr...), resp.Err
	}
	if m.fallback != nil {
		return m.fallback.CombinedOutput(ctx, dir, name, args...)
	}
	return nil, fmt.Errorf("mock: unexpected command %s", FormatCommand(name, args...))
}

var _ CommandExecutor = (*MockExecutor)(nil)
