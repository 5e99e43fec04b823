package eventbus

import "github.com/weibaohui/opensheets/internal/domain"

// DatasetEventBus 以数据集 ID 为 key 分发列生成事件
type DatasetEventBus = Bus[string, domain.Event]
type DatasetEventHandler = Handler[domain.Event]

func NewDatasetEventBus() *DatasetEventBus {
	return NewBus[string, domain.Event]()
}
