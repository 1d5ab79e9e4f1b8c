package nacos

import (
	"sync"

	"deskchat/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConfigSource is the subset of config_client.IConfigClient the watcher uses.
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Watcher 持有最新的配置内容，变更时回调
type Watcher struct {
	src    ConfigSource
	param  vo.ConfigParam
	mu     sync.RWMutex
	cur    string
	onChg  func(data string)
	closed bool
}

// Fetch 读取一次配置
func Fetch(src ConfigSource, dataID, group string) (string, error) {
	content, err := src.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return "", errors.Wrapf(err, "nacos get %s/%s", group, dataID)
	}
	return content, nil
}

// Watch 先拉取一次，再注册监听。onChange 可为空。
func Watch(src ConfigSource, dataID, group string, onChange func(data string)) (*Watcher, error) {
	content, err := Fetch(src, dataID, group)
	if err != nil {
		return nil, err
	}
	w := &Watcher{src: src, cur: content, onChg: onChange}
	w.param = vo.ConfigParam{
		DataId:   dataID,
		Group:    group,
		OnChange: func(namespace, group, dataId, data string) { w.update(data) },
	}
	if err := src.ListenConfig(w.param); err != nil {
		return nil, errors.Wrapf(err, "nacos listen %s/%s", group, dataID)
	}
	return w, nil
}

func (w *Watcher) update(data string) {
	w.mu.Lock()
	if w.closed || data == w.cur {
		w.mu.Unlock()
		return
	}
	w.cur = data
	cb := w.onChg
	w.mu.Unlock()

	logger.Info("[Nacos] config changed", zap.String("dataId", w.param.DataId), zap.Int("bytes", len(data)))
	if cb != nil {
		cb(data)
	}
}

func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.src.CancelListenConfig(w.param)
}
