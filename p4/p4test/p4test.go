// Package p4test provides a function-field fake of the p4.Runner seam for
// engine tests. Unset fields return zero values, so a test only wires the
// calls its scenario exercises.
package p4test

import (
	"fmt"

	"github.com/rcowham/gitfusion/p4"
)

// Runner records every call and delegates to whichever function fields the
// test set.
type Runner struct {
	// Calls lists each invocation as "method arg ...", in order.
	Calls []string

	InfoFn         func() (*p4.ServerInfo, error)
	ChangesFn      func(pathRev string) ([]p4.Change, error)
	DescribeFn     func(changeNum int) (*p4.Change, []p4.FileRev, error)
	FilesFn        func(pathRev string) ([]p4.FileRev, error)
	FstatFn        func(paths []string) ([]p4.Fstat, error)
	FilelogFn      func(changeNum int, pathRev string) ([]p4.IntegSource, error)
	PrintFn        func(pathRev string, handler func(p4.PrintedRev) error) error
	IntegPreviewFn func(fromPathRev, toPath string, flags []string) ([]p4.Fstat, error)
	IntegFn        func(fromPathRev, toPath string, flags []string) ([]p4.Fstat, []p4.Message, error)
	ResolveFn      func(flags []string) ([]p4.Message, error)
	CreateChangeFn func(description string) (int, error)
	OpenFn         func(request p4.FileAction, fileType string, paths []string) error
	ReopenFn       func(fileType string, paths []string) error
	MoveFn         func(fromPath, toPath string) error
	CopyFn         func(fromPathRev, toPath string) error
	SyncFn         func(pathRevs []string) error
	OpenedFn       func() ([]p4.Fstat, error)
	RevertFn       func(paths []string) error
	SubmitFn       func(changeNum int) (int, error)
	ChangeOwnerFn  func(changeNum int, user string, description string) error
	KeyFn          func(name string) (string, error)
	SetKeyFn       func(name, value string) error

	// Keys backs Key/SetKey when no functions are set.
	Keys map[string]string

	nextChange int
}

func (r *Runner) record(method string, args ...interface{}) {
	call := method
	for _, a := range args {
		call += fmt.Sprintf(" %v", a)
	}
	r.Calls = append(r.Calls, call)
}

func (r *Runner) Info() (*p4.ServerInfo, error) {
	r.record("info")
	if r.InfoFn != nil {
		return r.InfoFn()
	}
	// A modern case-sensitive server unless the test says otherwise.
	return &p4.ServerInfo{
		Version:       "P4D/LINUX26X86_64/2020.1/1991450 (2020/05/05)",
		CaseSensitive: true,
	}, nil
}

func (r *Runner) Changes(pathRev string) ([]p4.Change, error) {
	r.record("changes", pathRev)
	if r.ChangesFn != nil {
		return r.ChangesFn(pathRev)
	}
	return nil, nil
}

func (r *Runner) Describe(changeNum int) (*p4.Change, []p4.FileRev, error) {
	r.record("describe", changeNum)
	if r.DescribeFn != nil {
		return r.DescribeFn(changeNum)
	}
	return &p4.Change{Change: changeNum}, nil, nil
}

func (r *Runner) Files(pathRev string) ([]p4.FileRev, error) {
	r.record("files", pathRev)
	if r.FilesFn != nil {
		return r.FilesFn(pathRev)
	}
	return nil, nil
}

func (r *Runner) Fstat(paths []string) ([]p4.Fstat, error) {
	r.record("fstat", len(paths))
	if r.FstatFn != nil {
		return r.FstatFn(paths)
	}
	return nil, nil
}

func (r *Runner) Filelog(changeNum int, pathRev string) ([]p4.IntegSource, error) {
	r.record("filelog", changeNum, pathRev)
	if r.FilelogFn != nil {
		return r.FilelogFn(changeNum, pathRev)
	}
	return nil, nil
}

func (r *Runner) Print(pathRev string, handler func(p4.PrintedRev) error) error {
	r.record("print", pathRev)
	if r.PrintFn != nil {
		return r.PrintFn(pathRev, handler)
	}
	return nil
}

func (r *Runner) IntegPreview(fromPathRev, toPath string, flags []string) ([]p4.Fstat, error) {
	r.record("integ-n", fromPathRev, toPath)
	if r.IntegPreviewFn != nil {
		return r.IntegPreviewFn(fromPathRev, toPath, flags)
	}
	return nil, nil
}

func (r *Runner) Integ(fromPathRev, toPath string, flags []string) ([]p4.Fstat, []p4.Message, error) {
	r.record("integ", fromPathRev, toPath)
	if r.IntegFn != nil {
		return r.IntegFn(fromPathRev, toPath, flags)
	}
	return nil, nil, nil
}

func (r *Runner) Resolve(flags []string) ([]p4.Message, error) {
	r.record("resolve")
	if r.ResolveFn != nil {
		return r.ResolveFn(flags)
	}
	return nil, nil
}

func (r *Runner) CreateChange(description string) (int, error) {
	r.record("change-i")
	if r.CreateChangeFn != nil {
		return r.CreateChangeFn(description)
	}
	r.nextChange++
	return r.nextChange, nil
}

func (r *Runner) Open(request p4.FileAction, fileType string, paths []string) error {
	r.record("open", request, len(paths))
	if r.OpenFn != nil {
		return r.OpenFn(request, fileType, paths)
	}
	return nil
}

func (r *Runner) Reopen(fileType string, paths []string) error {
	r.record("reopen", fileType, len(paths))
	if r.ReopenFn != nil {
		return r.ReopenFn(fileType, paths)
	}
	return nil
}

func (r *Runner) Move(fromPath, toPath string) error {
	r.record("move", fromPath, toPath)
	if r.MoveFn != nil {
		return r.MoveFn(fromPath, toPath)
	}
	return nil
}

func (r *Runner) Copy(fromPathRev, toPath string) error {
	r.record("copy", fromPathRev, toPath)
	if r.CopyFn != nil {
		return r.CopyFn(fromPathRev, toPath)
	}
	return nil
}

func (r *Runner) Sync(pathRevs []string) error {
	r.record("sync", len(pathRevs))
	if r.SyncFn != nil {
		return r.SyncFn(pathRevs)
	}
	return nil
}

func (r *Runner) Opened() ([]p4.Fstat, error) {
	r.record("opened")
	if r.OpenedFn != nil {
		return r.OpenedFn()
	}
	return nil, nil
}

func (r *Runner) Revert(paths []string) error {
	r.record("revert", len(paths))
	if r.RevertFn != nil {
		return r.RevertFn(paths)
	}
	return nil
}

func (r *Runner) Submit(changeNum int) (int, error) {
	r.record("submit", changeNum)
	if r.SubmitFn != nil {
		return r.SubmitFn(changeNum)
	}
	return changeNum, nil
}

func (r *Runner) ChangeOwner(changeNum int, user string, description string) error {
	r.record("changeowner", changeNum, user)
	if r.ChangeOwnerFn != nil {
		return r.ChangeOwnerFn(changeNum, user, description)
	}
	return nil
}

func (r *Runner) Key(name string) (string, error) {
	r.record("key", name)
	if r.KeyFn != nil {
		return r.KeyFn(name)
	}
	return r.Keys[name], nil
}

func (r *Runner) SetKey(name, value string) error {
	r.record("setkey", name, value)
	if r.SetKeyFn != nil {
		return r.SetKeyFn(name, value)
	}
	if r.Keys == nil {
		r.Keys = make(map[string]string)
	}
	r.Keys[name] = value
	return nil
}
