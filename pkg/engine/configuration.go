package engine

import (
	"sort"
	"sync"
)

// Configuration is one layer of a chain of property and attribute maps.
// Reads walk from the layer toward its ancestors; writes only touch the
// local layer.
type Configuration struct {
	mu sync.RWMutex

	// properties maps config type -> property name -> value.
	properties map[string]map[string]string

	// attributes maps config type -> attribute name -> property name -> value.
	attributes map[string]map[string]map[string]string

	parent *Configuration
}

// NewConfiguration creates a layer from copies of the given maps.
func NewConfiguration(
	properties map[string]map[string]string,
	attributes map[string]map[string]map[string]string,
	parent *Configuration,
) *Configuration {
	return &Configuration{
		properties: copyProperties(properties),
		attributes: copyAttributes(attributes),
		parent:     parent,
	}
}

// NewEmptyConfiguration creates a layer with no local values.
func NewEmptyConfiguration(parent *Configuration) *Configuration {
	return NewConfiguration(nil, nil, parent)
}

// Parent returns the next less specific layer, or nil.
func (c *Configuration) Parent() *Configuration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parent
}

// WithParent returns a copy of the local layer bound to another parent.
func (c *Configuration) WithParent(parent *Configuration) *Configuration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NewConfiguration(c.properties, c.attributes, parent)
}

// Resolve returns the value of type/key from the most specific layer that
// defines it.
func (c *Configuration) Resolve(configType, key string) (string, bool) {
	for layer := c; layer != nil; layer = layer.Parent() {
		layer.mu.RLock()
		v, ok := layer.properties[configType][key]
		layer.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return "", false
}

// ResolveAttribute returns the attribute value for a property from the most
// specific layer that defines it.
func (c *Configuration) ResolveAttribute(configType, attribute, key string) (string, bool) {
	for layer := c; layer != nil; layer = layer.Parent() {
		layer.mu.RLock()
		v, ok := layer.attributes[configType][attribute][key]
		layer.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return "", false
}

// SetProperty sets a property in the local layer.
func (c *Configuration) SetProperty(configType, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.properties == nil {
		c.properties = make(map[string]map[string]string)
	}
	if c.properties[configType] == nil {
		c.properties[configType] = make(map[string]string)
	}
	c.properties[configType][key] = value
}

// SetAttribute sets a property attribute in the local layer.
func (c *Configuration) SetAttribute(configType, attribute, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attributes == nil {
		c.attributes = make(map[string]map[string]map[string]string)
	}
	if c.attributes[configType] == nil {
		c.attributes[configType] = make(map[string]map[string]string)
	}
	if c.attributes[configType][attribute] == nil {
		c.attributes[configType][attribute] = make(map[string]string)
	}
	c.attributes[configType][attribute][key] = value
}

// RemoveProperty removes a property from the local layer and reports
// whether it was present there.
func (c *Configuration) RemoveProperty(configType, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	props, ok := c.properties[configType]
	if !ok {
		return false
	}
	if _, ok := props[key]; !ok {
		return false
	}
	delete(props, key)
	if len(props) == 0 {
		delete(c.properties, configType)
	}
	return true
}

// RemoveAttribute removes a property attribute from the local layer and
// reports whether it was present there.
func (c *Configuration) RemoveAttribute(configType, attribute, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	attrs, ok := c.attributes[configType][attribute]
	if !ok {
		return false
	}
	if _, ok := attrs[key]; !ok {
		return false
	}
	delete(attrs, key)
	if len(attrs) == 0 {
		delete(c.attributes[configType], attribute)
		if len(c.attributes[configType]) == 0 {
			delete(c.attributes, configType)
		}
	}
	return true
}

func (c *Configuration) localProperty(configType, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.properties[configType][key]
	return v, ok
}

func (c *Configuration) localAttribute(configType, attribute, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attributes[configType][attribute][key]
	return v, ok
}

// RemoveConfigType drops a config type from the local layer.
func (c *Configuration) RemoveConfigType(configType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.properties, configType)
	delete(c.attributes, configType)
}

// Properties returns a copy of the local layer's properties.
func (c *Configuration) Properties() map[string]map[string]string {
	return c.MergedView(0)
}

// Attributes returns a copy of the local layer's attributes.
func (c *Configuration) Attributes() map[string]map[string]map[string]string {
	return c.MergedAttributes(0)
}

// MergedView flattens this layer and up to depth ancestors into a new map,
// closest layer winning. depth 0 returns only the local layer and a
// negative depth merges the whole chain.
func (c *Configuration) MergedView(depth int) map[string]map[string]string {
	layers := c.layers(depth)
	merged := make(map[string]map[string]string)
	// walk from the farthest ancestor so nearer layers overwrite
	for i := len(layers) - 1; i >= 0; i-- {
		layer := layers[i]
		layer.mu.RLock()
		for t, props := range layer.properties {
			if merged[t] == nil {
				merged[t] = make(map[string]string, len(props))
			}
			for k, v := range props {
				merged[t][k] = v
			}
		}
		layer.mu.RUnlock()
	}
	return merged
}

// MergedAttributes is MergedView for property attributes.
func (c *Configuration) MergedAttributes(depth int) map[string]map[string]map[string]string {
	layers := c.layers(depth)
	merged := make(map[string]map[string]map[string]string)
	for i := len(layers) - 1; i >= 0; i-- {
		layer := layers[i]
		layer.mu.RLock()
		for t, attrs := range layer.attributes {
			if merged[t] == nil {
				merged[t] = make(map[string]map[string]string)
			}
			for a, props := range attrs {
				if merged[t][a] == nil {
					merged[t][a] = make(map[string]string, len(props))
				}
				for k, v := range props {
					merged[t][a][k] = v
				}
			}
		}
		layer.mu.RUnlock()
	}
	return merged
}

// ConfigTypes returns the sorted config types defined anywhere in the chain.
func (c *Configuration) ConfigTypes() []string {
	seen := make(map[string]bool)
	for _, layer := range c.layers(-1) {
		layer.mu.RLock()
		for t := range layer.properties {
			seen[t] = true
		}
		for t := range layer.attributes {
			seen[t] = true
		}
		layer.mu.RUnlock()
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// layers returns this layer followed by up to depth ancestors.
func (c *Configuration) layers(depth int) []*Configuration {
	var out []*Configuration
	for layer := c; layer != nil; layer = layer.Parent() {
		out = append(out, layer)
		if depth >= 0 && len(out) > depth {
			break
		}
	}
	return out
}

func copyProperties(in map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(in))
	for t, props := range in {
		cp := make(map[string]string, len(props))
		for k, v := range props {
			cp[k] = v
		}
		out[t] = cp
	}
	return out
}

func copyAttributes(in map[string]map[string]map[string]string) map[string]map[string]map[string]string {
	out := make(map[string]map[string]map[string]string, len(in))
	for t, attrs := range in {
		cpAttrs := make(map[string]map[string]string, len(attrs))
		for a, props := range attrs {
			cp := make(map[string]string, len(props))
			for k, v := range props {
				cp[k] = v
			}
			cpAttrs[a] = cp
		}
		out[t] = cpAttrs
	}
	return out
}
