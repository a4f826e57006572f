// Package document implements the replicated node document for one flow: an
// automerge-backed graph of nodes merged with causally-ordered last-writer-wins
// semantics. A Document is owned by exactly one room actor and is not safe for
// concurrent use.
package document

import (
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
)

// root map keys
const (
	keyNodes      = "nodes"
	keyTombstones = "tombstones"
)

// Update describes one applied change: the raw fragment bytes, the origin it
// was tagged with, and the document heads after integration. The fragment is
// re-broadcastable verbatim to other replicas.
type Update struct {
	Origin   string
	Fragment []byte
	Heads    []automerge.ChangeHash
}

// Document holds the authoritative node state for one flow.
type Document struct {
	doc       *automerge.Doc
	observers []func(Update)
}

// New returns an empty document.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load restores a document from a full-state snapshot produced by
// EncodeFullState.
func Load(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load document snapshot: %w", err)
	}
	return &Document{doc: doc}, nil
}

// SetActor pins the automerge actor id, so changes made through this document
// are attributable. Optional; automerge generates one otherwise.
func (d *Document) SetActor(id string) error {
	return d.doc.SetActorID(id)
}

// Observe registers a callback invoked after every successful ApplyFragment.
// Callbacks run synchronously on the applying goroutine.
func (d *Document) Observe(fn func(Update)) {
	d.observers = append(d.observers, fn)
}

// ApplyFragment integrates a foreign update fragment. Applying the same
// fragment twice is a no-op for document state; observers are still notified
// so the caller controls re-broadcast. The origin tags where the fragment came
// from and is passed through to observers unchanged.
func (d *Document) ApplyFragment(origin string, fragment []byte) error {
	if len(fragment) == 0 {
		return fmt.Errorf("empty fragment")
	}
	if err := d.doc.LoadIncremental(fragment); err != nil {
		return fmt.Errorf("failed to apply fragment: %w", err)
	}
	u := Update{Origin: origin, Fragment: fragment, Heads: d.doc.Heads()}
	for _, fn := range d.observers {
		fn(u)
	}
	return nil
}

// EncodeFullState serializes the whole document for snapshot transfer or blob
// persistence.
func (d *Document) EncodeFullState() []byte {
	return d.doc.Save()
}

// EncodeDelta returns the changes made since the previous EncodeDelta call as
// one fragment, or nil when nothing changed. Used by editing replicas to flush
// local mutations onto the wire.
func (d *Document) EncodeDelta() []byte {
	raw := d.doc.SaveIncremental()
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// Heads returns the current document heads.
func (d *Document) Heads() []automerge.ChangeHash {
	return d.doc.Heads()
}

// PutNode creates or replaces a node. CreatedAt is preserved for an existing
// node; UpdatedAt is always bumped.
func (d *Document) PutNode(n FlowNode) error {
	if n.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	now := time.Now().UTC()
	if existing, ok, err := d.Node(n.ID); err != nil {
		return err
	} else if ok {
		n.CreatedAt = existing.CreatedAt
	} else if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if err := d.doc.Path(keyNodes, n.ID).Set(rawFromNode(n)); err != nil {
		return fmt.Errorf("failed to put node %q: %w", n.ID, err)
	}
	return nil
}

// SetTitle updates a single node's title.
func (d *Document) SetTitle(id, title string) error {
	if err := d.requireNode(id); err != nil {
		return err
	}
	if err := d.doc.Path(keyNodes, id, fieldTitle).Set(title); err != nil {
		return fmt.Errorf("failed to set title on %q: %w", id, err)
	}
	return d.touch(id)
}

// MoveNode updates a single node's position.
func (d *Document) MoveNode(id string, pos Position) error {
	if err := d.requireNode(id); err != nil {
		return err
	}
	if err := d.doc.Path(keyNodes, id, fieldPosition, fieldX).Set(pos.X); err != nil {
		return fmt.Errorf("failed to move %q: %w", id, err)
	}
	if err := d.doc.Path(keyNodes, id, fieldPosition, fieldY).Set(pos.Y); err != nil {
		return fmt.Errorf("failed to move %q: %w", id, err)
	}
	return d.touch(id)
}

// SetParent re-links a node; an empty parent id clears the link.
func (d *Document) SetParent(id, parentID string) error {
	if err := d.requireNode(id); err != nil {
		return err
	}
	var v any
	if parentID != "" {
		v = parentID
	}
	if err := d.doc.Path(keyNodes, id, fieldParentID).Set(v); err != nil {
		return fmt.Errorf("failed to set parent on %q: %w", id, err)
	}
	return d.touch(id)
}

// SetData sets one key in a node's open extension map.
func (d *Document) SetData(id, key string, value any) error {
	if err := d.requireNode(id); err != nil {
		return err
	}
	if err := d.doc.Path(keyNodes, id, fieldData, key).Set(value); err != nil {
		return fmt.Errorf("failed to set data %q on %q: %w", key, id, err)
	}
	return d.touch(id)
}

// DeleteNode removes a node. A tombstone is recorded first so that a
// concurrent edit on another replica cannot resurrect the node: readers skip
// any id present in the tombstone map regardless of the nodes map content.
func (d *Document) DeleteNode(id string) error {
	if err := d.doc.Path(keyTombstones, id).Set(millis(time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to tombstone %q: %w", id, err)
	}
	raw, err := d.rawMap(keyNodes)
	if err != nil {
		return err
	}
	if _, ok := raw[id]; ok {
		if err := d.nodesMap().Delete(id); err != nil {
			return fmt.Errorf("failed to delete node %q: %w", id, err)
		}
	}
	return nil
}

// Node returns one live node by id.
func (d *Document) Node(id string) (FlowNode, bool, error) {
	nodes, err := d.Nodes()
	if err != nil {
		return FlowNode{}, false, err
	}
	n, ok := nodes[id]
	return n, ok, nil
}

// Nodes returns all live (non-tombstoned) nodes keyed by id. The result is a
// decoded copy; mutating it does not affect the document.
func (d *Document) Nodes() (map[string]FlowNode, error) {
	tombs, err := d.tombstoneSet()
	if err != nil {
		return nil, err
	}
	raw, err := d.rawMap(keyNodes)
	if err != nil {
		return nil, err
	}
	out := make(map[string]FlowNode, len(raw))
	for id, v := range raw {
		if _, dead := tombs[id]; dead {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out[id] = nodeFromRaw(id, m)
	}
	return out, nil
}

// NodeIDs returns the live node id set.
func (d *Document) NodeIDs() (map[string]struct{}, error) {
	nodes, err := d.Nodes()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(nodes))
	for id := range nodes {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (d *Document) nodesMap() *automerge.Map {
	return d.doc.Path(keyNodes).Map()
}

func (d *Document) requireNode(id string) error {
	_, ok, err := d.Node(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no such node %q", id)
	}
	return nil
}

func (d *Document) touch(id string) error {
	if err := d.doc.Path(keyNodes, id, fieldUpdatedAt).Set(millis(time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to touch %q: %w", id, err)
	}
	return nil
}

func (d *Document) tombstoneSet() (map[string]struct{}, error) {
	raw, err := d.rawMap(keyTombstones)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(raw))
	for id := range raw {
		out[id] = struct{}{}
	}
	return out, nil
}

// rawMap decodes one root-level map into native Go values. A missing or
// non-map entry reads as empty.
func (d *Document) rawMap(key string) (map[string]any, error) {
	v, err := d.doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if v.Kind() != automerge.KindMap {
		return map[string]any{}, nil
	}
	m, err := automerge.As[map[string]any](v, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return m, nil
}
