package collab

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// 把一个已通过版本校验的操作应用到文档上（只动字段/设置，版本推进在房间里做）。
// 失败返回校验类错误，文档保持原样：所有修改都先在副本上做完再写回。
func applyOperation(doc *Document, op Operation) (Delta, string, error) {
	switch op.Type {
	case OpAddField:
		return applyAdd(doc, op)
	case OpUpdateField:
		return applyUpdate(doc, op)
	case OpDeleteField:
		return applyDelete(doc, op)
	case OpReorderField:
		return applyReorder(doc, op)
	default:
		return Delta{}, "", fmt.Errorf("%w: unknown op type %q", ErrInvalidPayload, op.Type)
	}
}

func applyAdd(doc *Document, op Operation) (Delta, string, error) {
	if op.Field == nil || op.Field.Key == "" || op.Field.Type == "" {
		return Delta{}, "", fmt.Errorf("%w: field.key and field.type are required", ErrInvalidPayload)
	}
	for i := range doc.Fields {
		if doc.Fields[i].Key == op.Field.Key {
			return Delta{}, "", fmt.Errorf("%w: %s", ErrDuplicateKey, op.Field.Key)
		}
	}

	f := *op.Field
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	// 位置越界时收到末尾
	if f.Position < 0 || f.Position > len(doc.Fields) {
		f.Position = len(doc.Fields)
	}

	fields := make([]FieldDefinition, 0, len(doc.Fields)+1)
	fields = append(fields, doc.Fields[:f.Position]...)
	fields = append(fields, f)
	fields = append(fields, doc.Fields[f.Position:]...)
	renumber(fields)
	doc.Fields = fields

	added := fields[f.Position]
	return Delta{
		Event:   "field:added",
		DocID:   doc.ID,
		Field:   &added,
		FieldID: added.ID,
	}, fmt.Sprintf("added field %q", added.Key), nil
}

func applyUpdate(doc *Document, op Operation) (Delta, string, error) {
	if len(op.Changes) == 0 {
		return Delta{}, "", fmt.Errorf("%w: empty changes", ErrInvalidPayload)
	}
	idx := indexOfField(doc.Fields, op.FieldID)
	if idx < 0 {
		return Delta{}, "", fmt.Errorf("%w: %s", ErrUnknownField, op.FieldID)
	}

	f := doc.Fields[idx]
	for k, v := range op.Changes {
		switch k {
		case "key":
			s, ok := v.(string)
			if !ok || s == "" {
				return Delta{}, "", fmt.Errorf("%w: key must be a non-empty string", ErrInvalidPayload)
			}
			for i := range doc.Fields {
				if i != idx && doc.Fields[i].Key == s {
					return Delta{}, "", fmt.Errorf("%w: %s", ErrDuplicateKey, s)
				}
			}
			f.Key = s
		case "type":
			if s, ok := v.(string); ok && s != "" {
				f.Type = s
			}
		case "label":
			if s, ok := v.(string); ok {
				f.Label = s
			}
		case "required":
			if b, ok := v.(bool); ok {
				f.Required = b
			}
		case "validation":
			f.Validation, _ = v.(map[string]any)
		case "options":
			f.Options, _ = v.([]any)
		case "conditionalLogic":
			f.ConditionalLogic, _ = v.(map[string]any)
		default:
			return Delta{}, "", fmt.Errorf("%w: unknown change key %q", ErrInvalidPayload, k)
		}
	}
	doc.Fields[idx] = f

	return Delta{
		Event:   "field:updated",
		DocID:   doc.ID,
		FieldID: f.ID,
		Changes: op.Changes,
	}, fmt.Sprintf("updated field %q", f.Key), nil
}

func applyDelete(doc *Document, op Operation) (Delta, string, error) {
	// 按 id 删，中间有别的操作改过其他字段的位置也不会删错
	idx := indexOfField(doc.Fields, op.FieldID)
	if idx < 0 {
		return Delta{}, "", fmt.Errorf("%w: %s", ErrUnknownField, op.FieldID)
	}
	removed := doc.Fields[idx]
	doc.Fields = append(doc.Fields[:idx], doc.Fields[idx+1:]...)
	renumber(doc.Fields)

	return Delta{
		Event:   "field:deleted",
		DocID:   doc.ID,
		FieldID: removed.ID,
	}, fmt.Sprintf("deleted field %q", removed.Key), nil
}

func applyReorder(doc *Document, op Operation) (Delta, string, error) {
	idx := indexOfField(doc.Fields, op.FieldID)
	if idx < 0 {
		return Delta{}, "", fmt.Errorf("%w: %s", ErrUnknownField, op.FieldID)
	}
	newPos := op.NewPosition
	if newPos < 0 {
		newPos = 0
	}
	if newPos >= len(doc.Fields) {
		newPos = len(doc.Fields) - 1
	}

	f := doc.Fields[idx]
	fields := append(doc.Fields[:idx:idx], doc.Fields[idx+1:]...)
	fields = append(fields[:newPos], append([]FieldDefinition{f}, fields[newPos:]...)...)
	renumber(fields)
	doc.Fields = fields

	return Delta{
		Event:       "field:reordered",
		DocID:       doc.ID,
		FieldID:     f.ID,
		NewPosition: newPos,
	}, fmt.Sprintf("moved field %q to %d", f.Key, newPos), nil
}

func indexOfField(fields []FieldDefinition, id string) int {
	for i := range fields {
		if fields[i].ID == id {
			return i
		}
	}
	return -1
}

// 以切片顺序为准，把 Position 压成 0..n-1
func renumber(fields []FieldDefinition) {
	for i := range fields {
		fields[i].Position = i
	}
}

// 从存储加载时字段顺序只由 Position 决定，先排一次再以切片顺序为准
func sortByPosition(fields []FieldDefinition) {
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Position < fields[j].Position })
	renumber(fields)
}

// 深拷贝字段列表（快照/冲突回包都要脱离内存态）
func cloneFields(fields []FieldDefinition) []FieldDefinition {
	out := make([]FieldDefinition, len(fields))
	copy(out, fields)
	for i := range out {
		out[i].Validation = cloneMap(out[i].Validation)
		out[i].ConditionalLogic = cloneMap(out[i].ConditionalLogic)
		if out[i].Options != nil {
			opts := make([]any, len(out[i].Options))
			copy(opts, out[i].Options)
			out[i].Options = opts
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
