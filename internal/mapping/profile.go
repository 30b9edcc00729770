// Package mapping loads and validates declarative field-mapping profiles.
// Profiles are written in CUE, one per (module, entity type), and declare
// which local fields flow to which remote ERP fields. The mappers that
// execute them live in the embedding application; this package only gives
// their declarations a checked format.
package mapping

import (
	"fmt"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
)

// Profile is one compiled mapping declaration.
//
// The CUE source shape is:
//
//	profile: catalog: product: {
//		remote_model: "product.product"
//		fields: {
//			name:  {remote: "name", required: true}
//			price: {remote: "list_price"}
//		}
//	}
type Profile struct {
	Module      string
	EntityType  string
	RemoteModel string
	Fields      []Field
}

// Field maps one local field to its remote counterpart.
type Field struct {
	Local    string
	Remote   string
	Required bool
}

// keyPattern constrains module and entity keys to snake_case identifiers,
// matching the keys jobs are routed by.
var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// CompileProfile parses one profile struct value. The value's path carries
// the module and entity labels (profile.<module>.<entity>).
func CompileProfile(v cue.Value) (*Profile, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	p := &Profile{}

	selectors := v.Path().Selectors()
	if len(selectors) >= 2 {
		p.Module = strings.Trim(selectors[len(selectors)-2].String(), `"`)
		p.EntityType = strings.Trim(selectors[len(selectors)-1].String(), `"`)
	}

	modelVal := v.LookupPath(cue.ParsePath("remote_model"))
	if !modelVal.Exists() {
		return nil, &CompileError{
			Field:   "remote_model",
			Message: "remote_model is required",
			Pos:     v.Pos(),
		}
	}
	model, err := modelVal.String()
	if err != nil {
		return nil, &CompileError{
			Field:   "remote_model",
			Message: "remote_model must be a string",
			Pos:     modelVal.Pos(),
		}
	}
	p.RemoteModel = model

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{
			Field:   "fields",
			Message: "fields struct is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		field, err := compileField(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		p.Fields = append(p.Fields, field)
	}

	return p, nil
}

func compileField(local string, v cue.Value) (Field, error) {
	field := Field{Local: local}

	remoteVal := v.LookupPath(cue.ParsePath("remote"))
	if !remoteVal.Exists() {
		return field, &CompileError{
			Field:   fmt.Sprintf("fields.%s.remote", local),
			Message: "remote field name is required",
			Pos:     v.Pos(),
		}
	}
	remote, err := remoteVal.String()
	if err != nil {
		return field, &CompileError{
			Field:   fmt.Sprintf("fields.%s.remote", local),
			Message: "remote must be a string",
			Pos:     remoteVal.Pos(),
		}
	}
	field.Remote = remote

	requiredVal := v.LookupPath(cue.ParsePath("required"))
	if requiredVal.Exists() {
		required, err := requiredVal.Bool()
		if err != nil {
			return field, &CompileError{
				Field:   fmt.Sprintf("fields.%s.required", local),
				Message: "required must be a bool",
				Pos:     requiredVal.Pos(),
			}
		}
		field.Required = required
	}

	return field, nil
}

// Validate checks a compiled profile against schema rules. All findings are
// returned, not just the first.
func Validate(p *Profile) []ValidationError {
	var errs []ValidationError

	if !keyPattern.MatchString(p.Module) {
		errs = append(errs, ValidationError{
			Field:   "module",
			Message: fmt.Sprintf("invalid module key %q, must be snake_case", p.Module),
			Code:    ErrCodeInvalidName,
		})
	}
	if !keyPattern.MatchString(p.EntityType) {
		errs = append(errs, ValidationError{
			Field:   "entity_type",
			Message: fmt.Sprintf("invalid entity type %q, must be snake_case", p.EntityType),
			Code:    ErrCodeInvalidName,
		})
	}

	if strings.TrimSpace(p.RemoteModel) == "" {
		errs = append(errs, ValidationError{
			Field:   "remote_model",
			Message: "remote_model is required and must be non-empty",
			Code:    ErrCodeMissingRemoteModel,
		})
	}

	if len(p.Fields) == 0 {
		errs = append(errs, ValidationError{
			Field:   "fields",
			Message: "at least one field mapping is required",
			Code:    ErrCodeNoFields,
		})
	}

	remoteNames := make(map[string]string)
	for _, f := range p.Fields {
		if strings.TrimSpace(f.Remote) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("fields.%s.remote", f.Local),
				Message: "remote field name must be non-empty",
				Code:    ErrCodeInvalidField,
			})
			continue
		}
		if prior, dup := remoteNames[f.Remote]; dup {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("fields.%s.remote", f.Local),
				Message: fmt.Sprintf("remote field %q already mapped by %q", f.Remote, prior),
				Code:    ErrCodeDuplicateRemote,
			})
			continue
		}
		remoteNames[f.Remote] = f.Local
	}

	return errs
}
