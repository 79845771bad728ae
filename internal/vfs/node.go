package vfs

import (
	"encoding/json"

	"github.com/InsulaLabs/projfs/internal/tkv"
)

const (
	NodesCollection = "nodes"

	parentIndex = "parent"
	nameIndex   = "name"
)

// RootID identifies the virtual root directory. It is never persisted.
const RootID int64 = -1

type NodeType string

const (
	NodeDir  NodeType = "DIR"
	NodeFile NodeType = "FILE"
)

type Node struct {
	NodeID int64    `json:"nodeId"`
	Name   string   `json:"name"`
	Type   NodeType `json:"type"`
	Data   []byte   `json:"data"`
	Parent int64    `json:"parent"`
}

func (n Node) IsDir() bool {
	return n.Type == NodeDir
}

// newNode is written without a key so the collection assigns one.
type newNode struct {
	Name   string   `json:"name"`
	Type   NodeType `json:"type"`
	Data   []byte   `json:"data"`
	Parent int64    `json:"parent"`
}

var rootNode = Node{NodeID: RootID, Type: NodeDir, Parent: RootID}

// DefineNodes creates the node collection inside a schema upgrade.
func DefineNodes(up *tkv.Upgrade) error {
	def, err := up.CreateCollection(NodesCollection, tkv.CollectionOptions{
		KeyPath:       "nodeId",
		AutoIncrement: true,
	})
	if err != nil {
		return err
	}
	def.CreateIndex(nameIndex, "name").CreateIndex(parentIndex, "parent")
	return nil
}

// NodeStore holds the primitive operations on flat node records within one
// unit. Node identifiers come from the collection's key generator, so they are
// unique, monotonic and survive replace and rename.
type NodeStore struct {
	nodes *tkv.Collection
}

func OpenNodeStore(tx *tkv.Tx) (*NodeStore, error) {
	nodes, err := tx.Collection(NodesCollection)
	if err != nil {
		return nil, err
	}
	return &NodeStore{nodes: nodes}, nil
}

func (s *NodeStore) CreateNode(name string, typ NodeType, data []byte, parent int64) (int64, error) {
	key, err := s.nodes.Add(newNode{Name: name, Type: typ, Data: data, Parent: parent})
	if err != nil {
		return 0, err
	}
	return key.Int64()
}

// ReplaceNode overwrites the record stored under n.NodeID.
func (s *NodeStore) ReplaceNode(n Node) error {
	_, err := s.nodes.Put(n)
	return err
}

// DeleteNode removes one record. Children are left in place.
func (s *NodeStore) DeleteNode(id int64) error {
	return s.nodes.Delete(id)
}

// FetchNode returns tkv.ErrKeyNotFound when id is unknown.
func (s *NodeStore) FetchNode(id int64) (Node, error) {
	if id == RootID {
		return rootNode, nil
	}
	raw, err := s.nodes.Get(id)
	if err != nil {
		return Node{}, err
	}
	return decodeNode(raw)
}

// ListChildren returns the children of parent in creation order.
func (s *NodeStore) ListChildren(parent int64) ([]Node, error) {
	ix, err := s.nodes.Index(parentIndex)
	if err != nil {
		return nil, err
	}
	raws, err := ix.GetAll(parent)
	if err != nil {
		return nil, err
	}
	return decodeNodes(raws)
}

// AllNodes returns every stored record in identifier order.
func (s *NodeStore) AllNodes() ([]Node, error) {
	raws, err := s.nodes.GetAll()
	if err != nil {
		return nil, err
	}
	return decodeNodes(raws)
}

// ChildWithName looks up an exact, case-sensitive name among parent's
// children. Only nodes sharing the name are loaded, never the siblings.
func (s *NodeStore) ChildWithName(parent int64, name string) (Node, bool, error) {
	ix, err := s.nodes.Index(nameIndex)
	if err != nil {
		return Node{}, false, err
	}
	raws, err := ix.GetAll(name)
	if err != nil {
		return Node{}, false, err
	}
	named, err := decodeNodes(raws)
	if err != nil {
		return Node{}, false, err
	}
	for _, n := range named {
		if n.Parent == parent {
			return n, true, nil
		}
	}
	return Node{}, false, nil
}

// Resolve walks path from the root one segment at a time and stops at the
// first segment that has no match.
func (s *NodeStore) Resolve(path string) (Node, bool, error) {
	if err := validatePath(path); err != nil {
		return Node{}, false, err
	}
	node := rootNode
	for _, segment := range SplitPath(path) {
		child, ok, err := s.ChildWithName(node.NodeID, segment)
		if err != nil || !ok {
			return Node{}, false, err
		}
		node = child
	}
	return node, true, nil
}

// resolveDir resolves the directory at path. A missing path or one naming a
// file both yield ErrParentDirectoryNotFound.
func (s *NodeStore) resolveDir(path string) (Node, error) {
	dir, ok, err := s.Resolve(path)
	if err != nil {
		return Node{}, err
	}
	if !ok || !dir.IsDir() {
		return Node{}, &ErrParentDirectoryNotFound{Path: path}
	}
	return dir, nil
}

func (s *NodeStore) mustResolve(path string) (Node, error) {
	node, ok, err := s.Resolve(path)
	if err != nil {
		return Node{}, err
	}
	if !ok {
		return Node{}, &ErrNodeNotFound{Path: path}
	}
	return node, nil
}

// isAncestor reports whether ancestor appears on the parent chain of id.
func (s *NodeStore) isAncestor(ancestor, id int64) (bool, error) {
	for id != RootID {
		if id == ancestor {
			return true, nil
		}
		n, err := s.FetchNode(id)
		if err != nil {
			return false, err
		}
		id = n.Parent
	}
	return false, nil
}

func decodeNode(raw []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return Node{}, &tkv.ErrInternal{Err: err}
	}
	return n, nil
}

func decodeNodes(raws [][]byte) ([]Node, error) {
	nodes := make([]Node, 0, len(raws))
	for _, raw := range raws {
		n, err := decodeNode(raw)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
