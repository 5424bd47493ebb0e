package executor

import (
	"context"
	"fmt"
	"sync"
)

// fakeSystems — управляемый коннектор: ответы и ошибки по capability,
// журнал вызовов для проверок.
type fakeSystems struct {
	mu        sync.Mutex
	calls     []string
	payloads  map[string][]byte
	responses map[string][]byte
	errs      map[string]error
}

func newFakeSystems() *fakeSystems {
	return &fakeSystems{
		payloads:  make(map[string][]byte),
		responses: make(map[string][]byte),
		errs:      make(map[string]error),
	}
}

func (f *fakeSystems) Call(_ context.Context, capID string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, capID)
	f.payloads[capID] = payload
	f.mu.Unlock()

	if err := f.errs[capID]; err != nil {
		return nil, err
	}
	if resp, ok := f.responses[capID]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("capability %s not stubbed", capID)
}

func (f *fakeSystems) called(capID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == capID {
			return true
		}
	}
	return false
}
