package config

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// zookeeperProvider adapts a ZooKeeper node into a koanf.Provider, directly
// ported from the teacher's pkg/config/zookeeper_provider.go.
type zookeeperProvider struct {
	conn *zk.Conn
	path string
}

func newZookeeperProvider(endpoints []string, path string) (*zookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper endpoints are required")
	}
	if path == "" {
		return nil, fmt.Errorf("zookeeper path is required")
	}
	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}
	return &zookeeperProvider{conn: conn, path: path}, nil
}

func (p *zookeeperProvider) ReadBytes() ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("read zookeeper path %s: %w", p.path, err)
	}
	return data, nil
}

func (p *zookeeperProvider) Read() (map[string]any, error) {
	return nil, fmt.Errorf("zookeeper: Read unsupported, use ReadBytes with a parser")
}

func (p *zookeeperProvider) Watch(callback func(event any, err error)) error {
	for {
		data, _, eventCh, err := p.conn.GetW(p.path)
		if err != nil {
			callback(nil, fmt.Errorf("watch zookeeper path %s: %w", p.path, err))
			continue
		}
		event := <-eventCh
		switch event.Type {
		case zk.EventNodeDataChanged:
			callback(data, nil)
		case zk.EventNodeDeleted:
			callback(nil, fmt.Errorf("zookeeper node %s was deleted", p.path))
			return nil
		case zk.EventNotWatching:
			callback(nil, fmt.Errorf("zookeeper watch lost for path %s", p.path))
			return nil
		}
	}
}

func (p *zookeeperProvider) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
