package meelreel

import (
	"context"
	"fmt"
	"sync"
)

// binary media storage collaborator. The core stores only the opaque
// reference returned by Upload.
type MediaStorage interface {
	Upload(ctx context.Context, data []byte) (string, error)
	Resolve(ref string) (string, error)
}

type MemoryMediaStorage struct {
	mutex sync.Mutex
	blobs map[string][]byte
}

func NewMemoryMediaStorage() *MemoryMediaStorage {
	return &MemoryMediaStorage{
		blobs: map[string][]byte{},
	}
}

func (self *MemoryMediaStorage) Upload(ctx context.Context, data []byte) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ref := NewId().String()
	self.blobs[ref] = data
	return ref, nil
}

func (self *MemoryMediaStorage) Resolve(ref string) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.blobs[ref]; !ok {
		return "", &NotFoundError{Collection: "media", Key: ref}
	}
	return fmt.Sprintf("mem://media/%s", ref), nil
}

func (self *MemoryMediaStorage) Get(ref string) ([]byte, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, ok := self.blobs[ref]
	return data, ok
}
