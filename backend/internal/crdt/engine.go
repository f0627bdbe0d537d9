package crdt

// 抽象协作文档引擎接口
// 核心约定（整个系统的正确性都依赖这两条）：
// - ApplyUpdate 幂等：同一份 update 应用两次，效果等于应用一次
// - ApplyUpdate 与并发产生的其他 update 满足交换律，最终所有副本收敛到相同文本
type Engine interface {
	// CreateEmpty 创建一个空文档
	CreateEmpty() Document
	// Load 从完整快照重建文档（加入会话时走这条路）
	Load(snapshot []byte) (Document, error)
}

// Document 单个协作文档的句柄
// 调用方必须串行调用所有方法（会话级互斥锁保证），引擎内部不做并发保护。
type Document interface {
	// EncodeFullState 导出完整快照，足以从零重建文档
	EncodeFullState() []byte
	// ApplyUpdate 合并一份增量或完整快照
	ApplyUpdate(update []byte) error
	// Insert 在字符偏移 index 处插入文本，返回可广播的增量
	Insert(index int, text string) ([]byte, error)
	// Delete 从字符偏移 index 处删除 length 个字符，返回可广播的增量
	Delete(index int, length int) ([]byte, error)
	// PlainText 合并后的当前文本（用于持久化/展示）
	PlainText() (string, error)
	Len() int
}
