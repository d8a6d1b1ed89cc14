// Package blocks reconstructs the semantic command behind low-level editor
// mutation events. Each session owns its own Resolver.
package blocks

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind is the closed set of editor mutation kinds the resolver understands.
type Kind int

const (
	KindOther Kind = iota
	KindAddBlock
	KindMoveBlock
	KindSetField
	KindSetPosition
	KindRemoveBlock
)

func (k Kind) String() string {
	switch k {
	case KindAddBlock:
		return "addBlock"
	case KindMoveBlock:
		return "moveBlock"
	case KindSetField:
		return "setField"
	case KindSetPosition:
		return "setBlockPosition"
	case KindRemoveBlock:
		return "removeBlock"
	default:
		return "other"
	}
}

// KindFromType maps the editor's action type string onto a Kind.
func KindFromType(actionType string) Kind {
	switch actionType {
	case "addBlock":
		return KindAddBlock
	case "moveBlock":
		return KindMoveBlock
	case "setField":
		return KindSetField
	case "setBlockPosition", "setPosition":
		return KindSetPosition
	case "removeBlock":
		return KindRemoveBlock
	default:
		return KindOther
	}
}

// ActionEvent is one editor mutation as received. It is never modified after parsing.
type ActionEvent struct {
	Timestamp  int64 // epoch milliseconds
	Kind       Kind
	ActionType string
	Raw        []byte
}

var errInvalidAction = errors.New("invalid action payload")

// ParseActionEvent decodes an editor action payload of the form
// {"time": <ms>, "type": "<actionType>", "args": [...]}.
func ParseActionEvent(raw []byte) (ActionEvent, error) {
	if !gjson.ValidBytes(raw) {
		return ActionEvent{}, fmt.Errorf("%w: not JSON", errInvalidAction)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return ActionEvent{}, fmt.Errorf("%w: expected object", errInvalidAction)
	}
	actionType := doc.Get("type").String()
	if actionType == "" {
		return ActionEvent{}, fmt.Errorf("%w: missing type", errInvalidAction)
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return ActionEvent{
		Timestamp:  doc.Get("time").Int(),
		Kind:       KindFromType(actionType),
		ActionType: actionType,
		Raw:        buf,
	}, nil
}
