package internal

import (
	"os"
)

// OsProxy defines the subset of os package functions the upload engine touches.
// Add more methods as you need them.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (*os.File, error)
	Create(name string) (*os.File, error)
	Remove(name string) error
	RemoveAll(path string) error
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }      //nolint:revive
func (RealOS) Open(name string) (*os.File, error)    { return os.Open(name) }      //nolint:revive
func (RealOS) Create(name string) (*os.File, error)  { return os.Create(name) }    //nolint:revive
func (RealOS) Remove(name string) error              { return os.Remove(name) }    //nolint:revive
func (RealOS) RemoveAll(path string) error           { return os.RemoveAll(path) } //nolint:revive

// FailingOS wraps an OsProxy and fails the named operations. Used by tests to inject I/O errors.
type FailingOS struct {
	OsProxy
	Err        error
	FailStat   bool
	FailOpen   bool
	FailCreate bool
}

func (f FailingOS) Stat(name string) (os.FileInfo, error) { //nolint:revive
	if f.FailStat {
		return nil, &os.PathError{Op: "stat", Path: name, Err: f.Err}
	}
	return f.OsProxy.Stat(name)
}

func (f FailingOS) Open(name string) (*os.File, error) { //nolint:revive
	if f.FailOpen {
		return nil, &os.PathError{Op: "open", Path: name, Err: f.Err}
	}
	return f.OsProxy.Open(name)
}

func (f FailingOS) Create(name string) (*os.File, error) { //nolint:revive
	if f.FailCreate {
		return nil, &os.PathError{Op: "open", Path: name, Err: f.Err}
	}
	return f.OsProxy.Create(name)
}
