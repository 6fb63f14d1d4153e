package embeddings

import (
	"sync"

	"go.uber.org/zap"
)

// runtimeEnv counts holders of the process-wide inference environment. The
// first acquire initializes it and the last release destroys it.
type runtimeEnv struct {
	mu      sync.Mutex
	refs    int
	init    func(sharedLibraryPath string) error
	destroy func()
}

func (e *runtimeEnv) acquire(sharedLibraryPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		if err := e.init(sharedLibraryPath); err != nil {
			return err
		}
	}
	e.refs++
	return nil
}

func (e *runtimeEnv) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 {
		e.destroy()
	}
}

// openRuntime selects the device and opens the encoder while holding env, so
// a device check that acquires and releases env cannot tear it down before
// the session opens.
func openRuntime(env *runtimeEnv, sharedLibraryPath, requested string, probe CapabilityProbe,
	open func(DeviceChoice) (Encoder, error), logger *zap.Logger) (DeviceChoice, Encoder, error) {
	if err := env.acquire(sharedLibraryPath); err != nil {
		return DeviceChoice{}, nil, err
	}
	defer env.release()

	device, err := SelectDevice(requested, probe, logger)
	if err != nil {
		return DeviceChoice{}, nil, err
	}
	enc, err := open(device)
	if err != nil {
		return DeviceChoice{}, nil, err
	}
	return device, enc, nil
}
