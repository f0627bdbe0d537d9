package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// 文档内容挂在根 map 的固定键下
const contentKey = "content"

// 基于 automerge 的 Engine 实现
// 增量 = automerge 的 change 序列，天然满足幂等与交换律。
type automergeEngine struct{}

func NewAutomergeEngine() Engine { return automergeEngine{} }

func (automergeEngine) CreateEmpty() Document {
	return &automergeDoc{doc: automerge.New()}
}

func (automergeEngine) Load(snapshot []byte) (Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	d := &automergeDoc{doc: doc}
	// 把已加载的 change 标记为已保存，保证下一次 SaveIncremental 只含本地新改动
	_ = doc.SaveIncremental()
	return d, nil
}

type automergeDoc struct {
	doc *automerge.Doc
	// 根文本对象缓存。远端合并可能换掉根文本的归属，所以 ApplyUpdate 后失效
	text *automerge.Text
}

// contentText 解析根文本对象。
// 注意：不能在构造时就急着创建 Text —— 两个各自新建根文本的副本合并时，
// automerge 只会确定性地保留其中一个。延迟到第一次本地写入再创建，
// 使得先 ApplyUpdate(快照) 的副本直接采用快照里的文本对象。
func (d *automergeDoc) contentText(create bool) (*automerge.Text, error) {
	if d.text != nil {
		return d.text, nil
	}
	v, err := d.doc.Path(contentKey).Get()
	if err != nil {
		return nil, err
	}
	if v.Kind() == automerge.KindText {
		d.text = v.Text()
		return d.text, nil
	}
	if !create {
		return nil, nil
	}
	t := automerge.NewText("")
	if err := d.doc.RootMap().Set(contentKey, t); err != nil {
		return nil, err
	}
	d.text = t
	return t, nil
}

func (d *automergeDoc) EncodeFullState() []byte {
	return d.doc.Save()
}

func (d *automergeDoc) ApplyUpdate(update []byte) error {
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	d.text = nil
	// 合并进来的改动不属于本地增量，吸收掉
	_ = d.doc.SaveIncremental()
	return nil
}

func (d *automergeDoc) Insert(index int, text string) ([]byte, error) {
	t, err := d.contentText(true)
	if err != nil {
		return nil, err
	}
	if err := t.Insert(index, text); err != nil {
		return nil, fmt.Errorf("insert at %d: %w", index, err)
	}
	return d.doc.SaveIncremental(), nil
}

func (d *automergeDoc) Delete(index int, length int) ([]byte, error) {
	t, err := d.contentText(true)
	if err != nil {
		return nil, err
	}
	if err := t.Delete(index, length); err != nil {
		return nil, fmt.Errorf("delete %d at %d: %w", length, index, err)
	}
	return d.doc.SaveIncremental(), nil
}

func (d *automergeDoc) PlainText() (string, error) {
	t, err := d.contentText(false)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", nil
	}
	return t.Get()
}

func (d *automergeDoc) Len() int {
	t, err := d.contentText(false)
	if err != nil || t == nil {
		return 0
	}
	return t.Len()
}
