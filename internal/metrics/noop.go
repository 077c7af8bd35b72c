package metrics

type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) ActiveConnections(int)    {}
func (nc *NoopCollector) OnlineUsers(int)          {}
func (nc *NoopCollector) MessageRelayed(bool, int) {}
func (nc *NoopCollector) Rejected(string)          {}
func (nc *NoopCollector) KeyRotated(bool)          {}
func (nc *NoopCollector) StoreError()              {}
