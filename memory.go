package jsbridge

import "go.uber.org/zap"

// NotifyLowMemory asks the engine to reclaim unreachable memory now. It is
// a hint: engines without a reclamation hook ignore it, and it never
// changes HandleCount or CallbackContextCount. Engine values pinned by
// open handles stay reachable until those handles are closed.
func (rt *Runtime) NotifyLowMemory() error {
	if err := rt.enter("low-memory"); err != nil {
		return err
	}
	defer rt.leave()
	if err := rt.engine.CollectGarbage(); err != nil {
		Logger().Debug("low-memory hint failed", zap.Uint64("runtime", rt.id), zap.Error(err))
		return rt.scriptError(err)
	}
	return nil
}
