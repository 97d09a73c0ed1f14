// Package shm provides named, fixed-shape memory regions that several
// processes on one host can map at the same time, plus the file locks used to
// serialize access to them.
//
// A region is a file under a shared directory (normally /dev/shm) mapped
// MAP_SHARED. The region itself does no locking; ParamStore and GradBuffer
// pair regions with the lock that guards them.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"asyntrain/params"

	"golang.org/x/sys/unix"
)

const (
	DefaultDir = "/dev/shm"

	headerSize    = 128
	headerMagic   = uint32(0x4d485350)
	headerVersion = uint32(1)
	maxDims       = (headerSize - 16) / 8

	dtypeFloat32 = uint32(1)
)

var (
	ErrBufferNotFound = errors.New("shared buffer not found")
	ErrBufferExists   = errors.New("shared buffer already exists")
	ErrBadHeader      = errors.New("shared buffer header invalid")
	ErrClosed         = errors.New("shared buffer closed")
	ErrShapeMismatch  = errors.New("shared buffer shape mismatch")
)

// Desc names a region and the layout it was created with.
type Desc struct {
	Name  string
	Shape []int
	DType params.DType
}

func (d Desc) size() int {
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// Region is one mapped shared buffer. Data access is not synchronized; callers
// hold the lock that guards the region.
type Region struct {
	desc Desc
	path string

	mu   sync.Mutex
	mem  []byte
	data []float32
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid shared buffer name %q", name)
	}
	return nil
}

// Create allocates a new region and initialises it with init (zero filled if
// init is nil). It fails with ErrBufferExists if the name is taken.
func Create(dir string, desc Desc, init []float32) (*Region, error) {
	if err := validName(desc.Name); err != nil {
		return nil, err
	}
	if desc.DType != params.Float32 {
		return nil, fmt.Errorf("shared buffer %s: unsupported dtype %q", desc.Name, desc.DType)
	}
	if len(desc.Shape) == 0 || len(desc.Shape) > maxDims {
		return nil, fmt.Errorf("shared buffer %s: unsupported rank %d", desc.Name, len(desc.Shape))
	}
	n := desc.size()
	if n <= 0 {
		return nil, fmt.Errorf("shared buffer %s: invalid shape %v", desc.Name, desc.Shape)
	}
	if init != nil && len(init) != n {
		return nil, fmt.Errorf("%w: %s has %d elements, init has %d", ErrShapeMismatch, desc.Name, n, len(init))
	}

	path := filepath.Join(dir, desc.Name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrBufferExists, path)
		}
		return nil, err
	}
	defer f.Close()

	size := headerSize + 4*n
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	writeHeader(mem, desc)
	r := newRegion(desc, path, mem)
	if init != nil {
		copy(r.data, init)
	}
	return r, nil
}

// Attach maps an existing region. The shape and dtype are read from the
// region header.
func Attach(dir, name string) (*Region, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBufferNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < headerSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBadHeader, path, info.Size())
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	desc, err := readHeader(mem, name)
	if err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(mem) != headerSize+4*desc.size() {
		unix.Munmap(mem)
		return nil, fmt.Errorf("%w: %s size does not match shape %v", ErrBadHeader, path, desc.Shape)
	}
	return newRegion(desc, path, mem), nil
}

// Remove unlinks a region by name without mapping it.
func Remove(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrBufferNotFound, name)
	}
	return err
}

func newRegion(desc Desc, path string, mem []byte) *Region {
	n := desc.size()
	return &Region{
		desc: desc,
		path: path,
		mem:  mem,
		data: unsafe.Slice((*float32)(unsafe.Pointer(&mem[headerSize])), n),
	}
}

func (r *Region) Desc() Desc {
	return Desc{Name: r.desc.Name, Shape: append([]int(nil), r.desc.Shape...), DType: r.desc.DType}
}

func (r *Region) Name() string { return r.desc.Name }

func (r *Region) Len() int { return len(r.data) }

// Load copies the region into dst.
func (r *Region) Load(dst []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return ErrClosed
	}
	if len(dst) != len(r.data) {
		return fmt.Errorf("%w: %s has %d elements, dst has %d", ErrShapeMismatch, r.desc.Name, len(r.data), len(dst))
	}
	copy(dst, r.data)
	return nil
}

// Store copies src into the region.
func (r *Region) Store(src []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return ErrClosed
	}
	if len(src) != len(r.data) {
		return fmt.Errorf("%w: %s has %d elements, src has %d", ErrShapeMismatch, r.desc.Name, len(r.data), len(src))
	}
	copy(r.data, src)
	return nil
}

// CopyFrom copies another region with the same shape into r.
func (r *Region) CopyFrom(src *Region) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.mem == nil {
		return ErrClosed
	}
	return r.Store(src.data)
}

// Close unmaps the region. The backing file is left in place.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	r.data = nil
	return err
}

// Destroy unmaps the region and unlinks its backing file.
func (r *Region) Destroy() error {
	closeErr := r.Close()
	if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return closeErr
}

func writeHeader(mem []byte, desc Desc) {
	binary.LittleEndian.PutUint32(mem[0:], headerMagic)
	binary.LittleEndian.PutUint32(mem[4:], headerVersion)
	binary.LittleEndian.PutUint32(mem[8:], dtypeFloat32)
	binary.LittleEndian.PutUint32(mem[12:], uint32(len(desc.Shape)))
	for i, d := range desc.Shape {
		binary.LittleEndian.PutUint64(mem[16+8*i:], uint64(d))
	}
}

func readHeader(mem []byte, name string) (Desc, error) {
	if binary.LittleEndian.Uint32(mem[0:]) != headerMagic {
		return Desc{}, fmt.Errorf("%w: bad magic", ErrBadHeader)
	}
	if v := binary.LittleEndian.Uint32(mem[4:]); v != headerVersion {
		return Desc{}, fmt.Errorf("%w: version %d", ErrBadHeader, v)
	}
	if dt := binary.LittleEndian.Uint32(mem[8:]); dt != dtypeFloat32 {
		return Desc{}, fmt.Errorf("%w: dtype code %d", ErrBadHeader, dt)
	}
	ndim := int(binary.LittleEndian.Uint32(mem[12:]))
	if ndim == 0 || ndim > maxDims {
		return Desc{}, fmt.Errorf("%w: rank %d", ErrBadHeader, ndim)
	}
	shape := make([]int, ndim)
	for i := range shape {
		shape[i] = int(binary.LittleEndian.Uint64(mem[16+8*i:]))
		if shape[i] <= 0 {
			return Desc{}, fmt.Errorf("%w: dimension %d", ErrBadHeader, shape[i])
		}
	}
	return Desc{Name: name, Shape: shape, DType: params.Float32}, nil
}
