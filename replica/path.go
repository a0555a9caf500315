package replica

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// a Path is an ordered sequence of keys locating a value inside one store's
// data tree. Keys are string map keys or integer array indices. The canonical
// string form is dotted, with numeric segments read as indices: "a.b.0.c"

type keyKind int

const (
	keyKindName keyKind = iota
	keyKindIndex
)

// comparable
type Key struct {
	kind  keyKind
	name  string
	index int
}

func NameKey(name string) Key {
	return Key{
		kind: keyKindName,
		name: name,
	}
}

func IndexKey(index int) Key {
	return Key{
		kind:  keyKindIndex,
		index: index,
	}
}

func (self Key) IsIndex() bool {
	return self.kind == keyKindIndex
}

func (self Key) Name() string {
	return self.name
}

func (self Key) Index() int {
	return self.index
}

func (self Key) String() string {
	if self.kind == keyKindIndex {
		return strconv.Itoa(self.index)
	}
	return self.name
}

type Path struct {
	keys []Key
	str  string
}

var RootPath = Path{}

func NewPath(keys ...Key) Path {
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = key.String()
	}
	return Path{
		keys: keys,
		str:  strings.Join(parts, "."),
	}
}

// numeric segments become index keys. an empty string is the root path
func ParsePath(pathStr string) (Path, error) {
	if pathStr == "" {
		return RootPath, nil
	}
	parts := strings.Split(pathStr, ".")
	keys := make([]Key, len(parts))
	for i, part := range parts {
		if part == "" {
			return Path{}, fmt.Errorf("empty path segment in %q", pathStr)
		}
		if index, err := strconv.Atoi(part); err == nil {
			if index < 0 {
				return Path{}, fmt.Errorf("negative index in %q", pathStr)
			}
			keys[i] = IndexKey(index)
		} else {
			keys[i] = NameKey(part)
		}
	}
	return Path{
		keys: keys,
		str:  pathStr,
	}, nil
}

func MustParsePath(pathStr string) Path {
	path, err := ParsePath(pathStr)
	if err != nil {
		panic(err)
	}
	return path
}

func (self Path) Len() int {
	return len(self.keys)
}

func (self Path) Keys() []Key {
	return self.keys
}

func (self Path) Key(i int) Key {
	return self.keys[i]
}

func (self Path) IsRoot() bool {
	return len(self.keys) == 0
}

func (self Path) String() string {
	return self.str
}

func (self Path) Append(key Key) Path {
	keys := make([]Key, len(self.keys), len(self.keys)+1)
	copy(keys, self.keys)
	keys = append(keys, key)
	str := key.String()
	if self.str != "" {
		str = self.str + "." + str
	}
	return Path{
		keys: keys,
		str:  str,
	}
}

func (self Path) Parent() Path {
	if len(self.keys) == 0 {
		return RootPath
	}
	return NewPath(self.keys[0 : len(self.keys)-1]...)
}

func (self Path) Last() Key {
	return self.keys[len(self.keys)-1]
}

func (self Path) Equal(other Path) bool {
	if len(self.keys) != len(other.keys) {
		return false
	}
	for i, key := range self.keys {
		if key != other.keys[i] {
			return false
		}
	}
	return true
}

// interning cache from canonical string form to parsed Path. Paths arrive as
// dotted strings on every store call and on every wire message, so parse once
type PathResolver struct {
	mutex sync.Mutex
	paths map[string]Path
}

func NewPathResolver() *PathResolver {
	return &PathResolver{
		paths: map[string]Path{},
	}
}

func (self *PathResolver) Resolve(pathStr string) (Path, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if path, ok := self.paths[pathStr]; ok {
		return path, nil
	}
	path, err := ParsePath(pathStr)
	if err != nil {
		return Path{}, err
	}
	self.paths[pathStr] = path
	return path, nil
}

func (self *PathResolver) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.paths)
}

// drops every cached entry. callers that churn unique paths can bound memory
// by flushing between batches
func (self *PathResolver) Flush() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.paths = map[string]Path{}
}
