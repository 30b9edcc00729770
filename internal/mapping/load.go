package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// LoadError is a directory-level loading failure, coded for the CLI.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result holds the profiles loaded from one directory.
type Result struct {
	Profiles  []Profile
	FileCount int
}

// Find returns the profile for a (module, entity type) pair.
func (r *Result) Find(module, entityType string) (*Profile, bool) {
	for i := range r.Profiles {
		if r.Profiles[i].Module == module && r.Profiles[i].EntityType == entityType {
			return &r.Profiles[i], true
		}
	}
	return nil, false
}

// Load compiles and validates every .cue file in dir. Compilation and
// validation findings across all profiles are collected rather than
// fail-fast, so one broken profile doesn't hide the rest.
func Load(dir string) (*Result, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("mappings directory not found: %s", dir),
		}}
	}
	if err != nil {
		return nil, []error{&LoadError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("error accessing mappings directory: %v", err),
		}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("not a directory: %s", dir),
		}}
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{
			Code:    ErrCodeScanError,
			Message: fmt.Sprintf("error scanning directory: %v", err),
		}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{
			Code:    ErrCodeNoFiles,
			Message: fmt.Sprintf("no CUE files found in %s", dir),
		}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{
			Code:    ErrCodeLoadFailed,
			Message: "no CUE instances loaded",
		}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{
			Code:    ErrCodeLoadFailed,
			Message: fmt.Sprintf("loading CUE files: %v", inst.Err),
		}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{
			Code:    ErrCodeBuildFailed,
			Message: fmt.Sprintf("building CUE value: %v", err),
		}}
	}

	result := &Result{FileCount: len(cueFiles)}
	var errs []error

	profilesVal := value.LookupPath(cue.ParsePath("profile"))
	if !profilesVal.Exists() {
		return result, []error{&LoadError{
			Code:    ErrCodeGeneric,
			Message: "no profile declarations found",
		}}
	}

	moduleIter, err := profilesVal.Fields()
	if err != nil {
		return result, []error{formatCUEError(err)}
	}
	for moduleIter.Next() {
		entityIter, err := moduleIter.Value().Fields()
		if err != nil {
			errs = append(errs, formatCUEError(err))
			continue
		}
		for entityIter.Next() {
			p, err := CompileProfile(entityIter.Value())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, verr := range Validate(p) {
				errs = append(errs, verr)
			}
			result.Profiles = append(result.Profiles, *p)
		}
	}

	sort.Slice(result.Profiles, func(i, j int) bool {
		if result.Profiles[i].Module != result.Profiles[j].Module {
			return result.Profiles[i].Module < result.Profiles[j].Module
		}
		return result.Profiles[i].EntityType < result.Profiles[j].EntityType
	})

	return result, errs
}

func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
