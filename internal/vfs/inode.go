// Package vfs implements the kernel's in-memory filesystem tree and the process-wide open-file
// table syscalls read and write through. It is one of the collaborator contracts spec.md §6
// describes at the syscall boundary rather than implements in full; this package is a complete,
// minimal implementation of that contract; grounded on the inode-tree shape of
// other_examples/hanwen-go-fuse's fuse/types.go (FUSE_ROOT_ID = 1, fixed numeric inode identity
// distinct from any one name) and on path algebra from the standard library's path package, since
// nothing in the retrieval pack addresses in-memory filesystem trees directly.
package vfs

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/smoynes/kerncore/internal/log"
)

// InodeID identifies an inode. RootInode, 1, always exists and is never removed, mirroring FUSE's
// FUSE_ROOT_ID convention.
type InodeID uint64

const RootInode InodeID = 1

func (id InodeID) String() string { return fmt.Sprintf("ino:%d", uint64(id)) }

// FileType distinguishes the small set of inode kinds this filesystem supports.
type FileType uint8

const (
	TypeRegular FileType = iota
	TypeDirectory
)

// Inode is one file or directory. Regular file contents are kept as a plain byte slice; this is an
// in-memory filesystem with no backing store to page to.
type Inode struct {
	ID       InodeID
	Type     FileType
	Parent   InodeID
	Children map[string]InodeID // nil for regular files
	Data     []byte              // nil for directories
}

var (
	ErrNotFound     = errors.New("vfs: not found")
	ErrExists       = errors.New("vfs: already exists")
	ErrNotDirectory = errors.New("vfs: not a directory")
	ErrIsDirectory  = errors.New("vfs: is a directory")
	ErrNotEmpty     = errors.New("vfs: directory not empty")
	ErrRootOp       = errors.New("vfs: invalid operation on root")
)

// FS is the filesystem tree: a flat map of inodes linked into a directory hierarchy.
type FS struct {
	mu     sync.Mutex
	inodes map[InodeID]*Inode
	nextID InodeID
	log    *log.Logger
}

// New creates a filesystem containing only the empty root directory.
func New() *FS {
	fs := &FS{
		inodes: make(map[InodeID]*Inode),
		nextID: RootInode + 1,
		log:    log.DefaultLogger(),
	}

	fs.inodes[RootInode] = &Inode{
		ID:       RootInode,
		Type:     TypeDirectory,
		Parent:   RootInode,
		Children: make(map[string]InodeID),
	}

	return fs
}

// GetInode returns the inode record for id.
func (fs *FS) GetInode(id InodeID) (*Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.getLocked(id)
}

func (fs *FS) getLocked(id InodeID) (*Inode, error) {
	in, ok := fs.inodes[id]
	if !ok {
		return nil, ErrNotFound
	}

	return in, nil
}

// splitPath cleans p and splits it into path components. An absolute path (leading "/") resolves
// from the root regardless of cwd; a relative one resolves from cwd.
func splitPath(p string) (absolute bool, parts []string) {
	p = path.Clean(p)
	absolute = strings.HasPrefix(p, "/")
	p = strings.Trim(p, "/")

	if p == "" || p == "." {
		return absolute, nil
	}

	return absolute, strings.Split(p, "/")
}

// resolveLocked walks path components from start, following "." and "..". The caller must hold
// fs.mu.
func (fs *FS) resolveLocked(start InodeID, parts []string) (InodeID, error) {
	cur := start

	for _, part := range parts {
		switch part {
		case ".":
			continue
		case "..":
			in, err := fs.getLocked(cur)
			if err != nil {
				return 0, err
			}

			cur = in.Parent

			continue
		}

		in, err := fs.getLocked(cur)
		if err != nil {
			return 0, err
		}

		if in.Type != TypeDirectory {
			return 0, ErrNotDirectory
		}

		next, ok := in.Children[part]
		if !ok {
			return 0, ErrNotFound
		}

		cur = next
	}

	return cur, nil
}

// Resolve translates path, relative to cwd unless it is absolute, into an inode ID.
func (fs *FS) Resolve(cwd InodeID, p string) (InodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	absolute, parts := splitPath(p)

	start := cwd
	if absolute {
		start = RootInode
	}

	return fs.resolveLocked(start, parts)
}

// splitParent resolves everything but the last path component, returning the parent directory's
// inode and the basename to create, remove, or look up within it.
func (fs *FS) splitParent(cwd InodeID, p string) (parent InodeID, name string, err error) {
	absolute, parts := splitPath(p)
	if len(parts) == 0 {
		return 0, "", ErrRootOp
	}

	start := cwd
	if absolute {
		start = RootInode
	}

	parent, err = fs.resolveLocked(start, parts[:len(parts)-1])
	if err != nil {
		return 0, "", err
	}

	return parent, parts[len(parts)-1], nil
}

func (fs *FS) alloc(typ FileType, parent InodeID) *Inode {
	id := fs.nextID
	fs.nextID++

	in := &Inode{ID: id, Type: typ, Parent: parent}
	if typ == TypeDirectory {
		in.Children = make(map[string]InodeID)
	}

	fs.inodes[id] = in

	return in
}

// Mkdir creates a directory at path, relative to cwd, returning its new inode ID. Per the resolved
// reading of the source's return-value ambiguity, the new inode is always returned on success.
func (fs *FS) Mkdir(cwd InodeID, p string) (InodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.splitParent(cwd, p)
	if err != nil {
		return 0, err
	}

	parentIn, err := fs.getLocked(parent)
	if err != nil {
		return 0, err
	}

	if parentIn.Type != TypeDirectory {
		return 0, ErrNotDirectory
	}

	if _, exists := parentIn.Children[name]; exists {
		return 0, ErrExists
	}

	in := fs.alloc(TypeDirectory, parent)
	parentIn.Children[name] = in.ID

	return in.ID, nil
}

// CreateFile creates an empty regular file at path, returning its new inode ID.
func (fs *FS) CreateFile(cwd InodeID, p string) (InodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.splitParent(cwd, p)
	if err != nil {
		return 0, err
	}

	parentIn, err := fs.getLocked(parent)
	if err != nil {
		return 0, err
	}

	if parentIn.Type != TypeDirectory {
		return 0, ErrNotDirectory
	}

	if existing, exists := parentIn.Children[name]; exists {
		in, err := fs.getLocked(existing)
		if err != nil {
			return 0, err
		}

		if in.Type != TypeRegular {
			return 0, ErrIsDirectory
		}

		return in.ID, nil
	}

	in := fs.alloc(TypeRegular, parent)
	parentIn.Children[name] = in.ID

	return in.ID, nil
}

// Remove unlinks the file or empty directory at path.
func (fs *FS) Remove(cwd InodeID, p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.removeLocked(cwd, p, false)
}

// RemoveRecursive unlinks path, deleting an entire directory subtree if path names a directory.
func (fs *FS) RemoveRecursive(cwd InodeID, p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.removeLocked(cwd, p, true)
}

func (fs *FS) removeLocked(cwd InodeID, p string, recursive bool) error {
	parent, name, err := fs.splitParent(cwd, p)
	if err != nil {
		return err
	}

	parentIn, err := fs.getLocked(parent)
	if err != nil {
		return err
	}

	id, ok := parentIn.Children[name]
	if !ok {
		return ErrNotFound
	}

	if id == RootInode {
		return ErrRootOp
	}

	in, err := fs.getLocked(id)
	if err != nil {
		return err
	}

	if in.Type == TypeDirectory {
		if !recursive && len(in.Children) > 0 {
			return ErrNotEmpty
		}

		if recursive {
			for child := range in.Children {
				if err := fs.removeLocked(id, child, true); err != nil {
					return err
				}
			}
		}
	}

	delete(parentIn.Children, name)
	delete(fs.inodes, id)

	return nil
}

// Rename moves the file or directory at oldPath to newPath, both relative to cwd.
func (fs *FS) Rename(cwd InodeID, oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldParent, oldName, err := fs.splitParent(cwd, oldPath)
	if err != nil {
		return err
	}

	oldParentIn, err := fs.getLocked(oldParent)
	if err != nil {
		return err
	}

	id, ok := oldParentIn.Children[oldName]
	if !ok {
		return ErrNotFound
	}

	newParent, newName, err := fs.splitParent(cwd, newPath)
	if err != nil {
		return err
	}

	newParentIn, err := fs.getLocked(newParent)
	if err != nil {
		return err
	}

	if newParentIn.Type != TypeDirectory {
		return ErrNotDirectory
	}

	if _, exists := newParentIn.Children[newName]; exists {
		return ErrExists
	}

	delete(oldParentIn.Children, oldName)
	newParentIn.Children[newName] = id

	if in, err := fs.getLocked(id); err == nil {
		in.Parent = newParent
	}

	return nil
}

// Copy reads srcPath's full contents and writes them into a new or truncated file at dstPath.
func (fs *FS) Copy(cwd InodeID, srcPath, dstPath string) error {
	fs.mu.Lock()

	srcID, err := fs.resolveLocked(fs.startOf(cwd, srcPath))
	fs.mu.Unlock()

	if err != nil {
		return err
	}

	src, err := fs.GetInode(srcID)
	if err != nil {
		return err
	}

	if src.Type != TypeRegular {
		return ErrIsDirectory
	}

	data := append([]byte(nil), src.Data...)

	dstID, err := fs.CreateFile(cwd, dstPath)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	if dst, err := fs.getLocked(dstID); err == nil {
		dst.Data = nil
	}
	fs.mu.Unlock()

	_, err = fs.Write(dstID, 0, data)

	return err
}

func (fs *FS) startOf(cwd InodeID, p string) (InodeID, []string) {
	absolute, parts := splitPath(p)
	if absolute {
		return RootInode, parts
	}

	return cwd, parts
}

// Read copies up to len(buf) bytes from id starting at offset, returning the number of bytes read.
func (fs *FS) Read(id InodeID, offset int64, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.getLocked(id)
	if err != nil {
		return 0, err
	}

	if in.Type != TypeRegular {
		return 0, ErrIsDirectory
	}

	if offset >= int64(len(in.Data)) {
		return 0, nil
	}

	n := copy(buf, in.Data[offset:])

	return n, nil
}

// Write copies data into id starting at offset, growing the file and zero-filling any gap before
// offset, mirroring how a growing brk region zero-fills newly claimed pages.
func (fs *FS) Write(id InodeID, offset int64, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.getLocked(id)
	if err != nil {
		return 0, err
	}

	if in.Type != TypeRegular {
		return 0, ErrIsDirectory
	}

	end := offset + int64(len(data))
	if end > int64(len(in.Data)) {
		grown := make([]byte, end)
		copy(grown, in.Data)
		in.Data = grown
	}

	copy(in.Data[offset:end], data)

	return len(data), nil
}

// Size returns a regular file's current length.
func (fs *FS) Size(id InodeID) (int64, error) {
	in, err := fs.GetInode(id)
	if err != nil {
		return 0, err
	}

	return int64(len(in.Data)), nil
}

// GetCwdPath renders the absolute path of id by walking Parent links to the root.
func (fs *FS) GetCwdPath(id InodeID) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if id == RootInode {
		return "/", nil
	}

	var parts []string

	cur := id

	for cur != RootInode {
		in, err := fs.getLocked(cur)
		if err != nil {
			return "", err
		}

		parentIn, err := fs.getLocked(in.Parent)
		if err != nil {
			return "", err
		}

		name := ""

		for n, childID := range parentIn.Children {
			if childID == cur {
				name = n
				break
			}
		}

		if name == "" {
			return "", ErrNotFound
		}

		parts = append([]string{name}, parts...)
		cur = in.Parent
	}

	return "/" + strings.Join(parts, "/"), nil
}
