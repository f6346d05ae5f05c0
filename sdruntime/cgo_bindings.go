package sdruntime

// nativeImage is a raw image returned by the runtime.
type nativeImage struct {
	pixels   []byte
	width    int
	height   int
	channels int
}

// NativeAvailable reports whether this binary links the native runtime.
// The desktop shell checks it at startup.
func NativeAvailable() bool {
	return nativeAvailable
}

// BackendInfo describes the compute backend compiled into the runtime.
func BackendInfo() string {
	return backendInfo()
}
