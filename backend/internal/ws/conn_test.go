package ws

import (
	"encoding/json"
	"testing"

	"formCollab/backend/internal/collab"
)

func TestBuildOperation_PositionZero(t *testing.T) {
	raw := `{"type":"field:add","docId":"d1","baseVersion":3,"position":0,"field":{"key":"phone","type":"text","position":5}}`
	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}

	op := buildOperation(msg, collab.OpAddField, "sess-1")
	// 顶层 position 为 0 是合法落点，必须覆盖 field 自带的位置
	if op.Field == nil || op.Field.Position != 0 {
		t.Fatalf("op.Field = %+v, want position 0", op.Field)
	}
	if op.BaseVersion != 3 || op.DocID != "d1" || op.SessionID != "sess-1" {
		t.Fatalf("unexpected op %+v", op)
	}
}

func TestBuildOperation_PositionOmitted(t *testing.T) {
	raw := `{"type":"field:add","docId":"d1","baseVersion":3,"field":{"key":"phone","type":"text","position":5}}`
	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}

	op := buildOperation(msg, collab.OpAddField, "sess-1")
	if op.Field == nil || op.Field.Position != 5 {
		t.Fatalf("op.Field = %+v, want field-level position 5 kept", op.Field)
	}
}

func TestBuildOperation_ReorderUsesNewPosition(t *testing.T) {
	raw := `{"type":"field:reorder","docId":"d1","baseVersion":3,"fieldId":"f2","newPosition":0}`
	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal error = %v", err)
	}

	op := buildOperation(msg, collab.OpReorderField, "sess-1")
	if op.FieldID != "f2" || op.NewPosition != 0 {
		t.Fatalf("unexpected op %+v", op)
	}
}
