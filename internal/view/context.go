package view

// Context carries the named parameters a navigation supplies to transitions
// and on-load hooks. Missing keys read as nil.
type Context map[string]any

// Get returns the value for key, or nil when absent.
func (c Context) Get(key string) any {
	if c == nil {
		return nil
	}
	return c[key]
}

// Has reports whether key is present.
func (c Context) Has(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c[key]
	return ok
}

// Merge returns a new context with overrides applied on top of c.
func (c Context) Merge(overrides Context) Context {
	merged := make(Context, len(c)+len(overrides))
	for k, v := range c {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Subset returns a context restricted to the given keys.
func (c Context) Subset(keys []string) Context {
	sub := make(Context, len(keys))
	for _, k := range keys {
		if v, ok := c[k]; ok {
			sub[k] = v
		}
	}
	return sub
}
