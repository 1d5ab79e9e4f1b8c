package nacos

import (
	"sync"

	"deskchat/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	MetaNodeID   = "nodeId"
	MetaProtocol = "protocol"
)

// Naming is the subset of naming_client.INamingClient the registry uses.
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
	SelectInstances(param vo.SelectInstancesParam) ([]model.Instance, error)
}

// Registry 把当前网关节点注册为临时实例，供其他节点/负载均衡发现
type Registry struct {
	ServiceName string
	Group       string
	IP          string
	Port        uint64
	NodeID      string

	mu         sync.Mutex
	registered bool
	client     Naming
}

func NewRegistry(client Naming, serviceName, group, ip string, port uint64, nodeID string) *Registry {
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return &Registry{
		ServiceName: serviceName,
		Group:       group,
		IP:          ip,
		Port:        port,
		NodeID:      nodeID,
		client:      client,
	}
}

func (r *Registry) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    map[string]string{MetaNodeID: r.NodeID, MetaProtocol: "ws"},
	})
	if err != nil {
		return errors.Wrap(err, "nacos register")
	}
	if !ok {
		return errors.New("nacos register returned false")
	}
	r.registered = true
	logger.Info("[Nacos] registered", zap.String("service", r.ServiceName), zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

// Deregister 幂等
func (r *Registry) Deregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return nil
	}
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return errors.Wrap(err, "nacos deregister")
	}
	r.registered = false
	return nil
}

// Peers 返回其他健康节点的 nodeId
func (r *Registry) Peers() ([]string, error) {
	insts, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		HealthyOnly: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "nacos select")
	}
	var out []string
	for _, in := range insts {
		id := in.Metadata[MetaNodeID]
		if id == "" || id == r.NodeID {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
