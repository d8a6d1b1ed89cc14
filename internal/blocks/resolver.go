package blocks

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Payload paths inside an action's JSON.
const (
	markupPath   = "args.0"
	addIDPath    = "args.4.0"
	moveIDPath   = "args.4.0.0"
	keyPath      = "args.0"
	keySeparator = "/"
)

// ErrUnknownBlock is returned by Label for ids never seen in an add or move.
var ErrUnknownBlock = errors.New("block id not found in lookup table")

var selectorPattern = regexp.MustCompile(`s="([^"]+)"`)

// Resolver maps transient block identifiers to the semantic label (the
// block's selector, e.g. "setXVelocity") they were created with.
//
// Entries are never pruned: a removed block still resolves to its label.
// A Resolver is not safe for concurrent use; the owning session serializes access.
type Resolver struct {
	table  map[string]string
	misses int
	logger *slog.Logger
}

// NewResolver creates an empty Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		table:  make(map[string]string),
		logger: logger,
	}
}

// Resolve returns the semantic label for ev, updating the table as the
// event's kind requires. Unresolvable events yield "".
func (r *Resolver) Resolve(ev ActionEvent) string {
	switch ev.Kind {
	case KindAddBlock:
		return r.OnAdd(ev.Raw)
	case KindMoveBlock:
		return r.OnMove(ev.Raw)
	case KindSetField, KindSetPosition, KindRemoveBlock:
		return r.OnFieldOrPositionOrRemove(ev.Raw)
	case KindOther:
		return r.OnOther(ev.Raw)
	default:
		return ""
	}
}

// OnAdd extracts the label from the block markup and records it under the new block's id.
func (r *Resolver) OnAdd(payload []byte) string {
	label := r.labelFromMarkup(payload)
	if label == "" {
		return ""
	}
	if id := gjson.GetBytes(payload, addIDPath).String(); id != "" {
		r.table[id] = label
	} else {
		r.logger.Debug("addBlock without block id", "label", label)
	}
	return label
}

// OnMove extracts the label like OnAdd. The table is only written when the
// payload carries a block id.
func (r *Resolver) OnMove(payload []byte) string {
	label := r.labelFromMarkup(payload)
	if label == "" {
		return ""
	}
	if id := gjson.GetBytes(payload, moveIDPath); truthy(id) {
		r.table[id.String()] = label
	}
	return label
}

// truthy reports whether an id value is present and not false, null, zero or empty.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	case gjson.True:
		return true
	default:
		return false
	}
}

// OnFieldOrPositionOrRemove resolves the label of an already-known block
// addressed by a path-like key such as "item_454/0".
func (r *Resolver) OnFieldOrPositionOrRemove(payload []byte) string {
	key := gjson.GetBytes(payload, keyPath).String()
	id, _, _ := strings.Cut(key, keySeparator)
	label, err := r.Label(id)
	if err != nil {
		r.misses++
		r.logger.Warn("unresolved block action", "error", err, "block_id", id, "key", key)
		return ""
	}
	return label
}

// Label returns the label recorded for id, or ErrUnknownBlock.
func (r *Resolver) Label(id string) (string, error) {
	if label, ok := r.table[id]; ok && id != "" {
		return label, nil
	}
	return "", ErrUnknownBlock
}

// OnOther passes through every other event kind.
func (r *Resolver) OnOther([]byte) string { return "" }

// Lookup returns the label recorded for id.
func (r *Resolver) Lookup(id string) (string, bool) {
	label, ok := r.table[id]
	return label, ok
}

// Len returns the number of known block ids.
func (r *Resolver) Len() int { return len(r.table) }

// Misses returns how many events could not be resolved.
func (r *Resolver) Misses() int { return r.misses }

func (r *Resolver) labelFromMarkup(payload []byte) string {
	markup := gjson.GetBytes(payload, markupPath).String()
	if markup == "" {
		r.misses++
		r.logger.Warn("action without block markup")
		return ""
	}
	m := selectorPattern.FindStringSubmatch(markup)
	if m == nil {
		r.misses++
		r.logger.Warn("no selector attribute in block markup", "markup", markup)
		return ""
	}
	return m[1]
}
