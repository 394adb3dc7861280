package config

// ConfigCallback distributes a parsed configuration to registered listeners.
// The logger registers a callback to rebind itself once the real config is known.
type ConfigCallback[T any] struct {
	callbacks []func(T)
}

func (cc *ConfigCallback[T]) AddCallback(f func(T)) {
	cc.callbacks = append(cc.callbacks, f)
}

func (cc *ConfigCallback[T]) Call(obj T) {
	for _, c := range cc.callbacks {
		c(obj)
	}
}
