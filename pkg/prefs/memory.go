package prefs

// Memory is a volatile Backend, used for tests and the simulator.
type Memory struct {
	data    map[string]map[string]string
	flushes int
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

func (m *Memory) Get(namespace, key string) (string, bool, error) {
	v, ok := m.data[namespace][key]
	return v, ok, nil
}

func (m *Memory) Put(namespace, key, value string) error {
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]string)
		m.data[namespace] = ns
	}
	ns[key] = value
	return nil
}

func (m *Memory) Remove(namespace, key string) error {
	delete(m.data[namespace], key)
	return nil
}

func (m *Memory) Flush() error {
	m.flushes++
	return nil
}

func (m *Memory) Close() error { return nil }

// Flushes returns how many sections wrote to the backend.
func (m *Memory) Flushes() int { return m.flushes }
