package flow

import (
	"reflect"
)

// Reducer merges a sparse state update into the previous state and returns
// the next state. Reducers must be pure: no side effects, no ID allocation,
// deterministic for identical inputs. The engine relies on this purity to
// rebuild state from the event stream.
type Reducer[S any] func(prev, delta S) S

// MergeRule declares how a state field absorbs an update.
type MergeRule int

const (
	// Replace overwrites the old value with the new one. This is the
	// default rule for every field not declared otherwise.
	Replace MergeRule = iota

	// Append concatenates the update onto the old value. Only valid for
	// slice-typed fields; order is preserved and nothing is de-duplicated.
	Append

	// Merge adds the update's keys to the old mapping; colliding keys take
	// the new value. Only valid for map-typed fields.
	Merge
)

func (r MergeRule) String() string {
	switch r {
	case Append:
		return "append"
	case Merge:
		return "merge"
	default:
		return "replace"
	}
}

// Schema describes the merge behavior of a state record type S.
//
// A schema is built once at program init and shared read-only. Its Reducer
// applies sparse-update semantics: a zero-valued field in the delta leaves
// the previous value unchanged, a non-zero field is absorbed per its rule.
//
// Example:
//
//	type ReviewState struct {
//	    Query    string
//	    Findings []string
//	    Scores   map[string]float64
//	}
//
//	schema, err := flow.NewSchema[ReviewState]("review").
//	    Append("Findings").
//	    Merge("Scores").
//	    Build()
type Schema[S any] struct {
	name  string
	rules map[string]MergeRule
}

// SchemaBuilder accumulates merge-rule declarations before validation.
type SchemaBuilder[S any] struct {
	name  string
	rules map[string]MergeRule
	err   error
}

// NewSchema starts a schema for state type S. The name identifies the
// schema in diagnostics and snapshots; it is not interpreted.
func NewSchema[S any](name string) *SchemaBuilder[S] {
	return &SchemaBuilder[S]{name: name, rules: make(map[string]MergeRule)}
}

// Append declares an append-merged field. The field must be slice-typed;
// violation is reported at Build time as diagnostic AGSR001.
func (b *SchemaBuilder[S]) Append(field string) *SchemaBuilder[S] {
	b.rules[field] = Append
	return b
}

// Merge declares a map-merged field. The field must be map-typed;
// violation is reported at Build time as diagnostic AGSR002.
func (b *SchemaBuilder[S]) Merge(field string) *SchemaBuilder[S] {
	b.rules[field] = Merge
	return b
}

// Build validates the declarations against the structure of S.
//
// Structural checks (fatal):
//   - AGSR001: append rules only apply to sequence-typed fields
//   - AGSR002: merge rules only apply to mapping-typed fields
//   - declared fields must exist and be exported
func (b *SchemaBuilder[S]) Build() (*Schema[S], error) {
	var probe S
	t := reflect.TypeOf(probe)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, Errorf(KindValidation, "schema.build", "state type must be a struct, got %T", probe)
	}

	for field, rule := range b.rules {
		sf, ok := t.FieldByName(field)
		if !ok || !sf.IsExported() {
			return nil, Errorf(KindValidation, "schema.build",
				"schema %q declares rule for unknown field %q", b.name, field)
		}
		switch rule {
		case Append:
			if sf.Type.Kind() != reflect.Slice {
				return nil, Errorf(KindValidation, "schema.build",
					"AGSR001: append merger on non-sequence field %s.%s (%s)", b.name, field, sf.Type)
			}
		case Merge:
			if sf.Type.Kind() != reflect.Map {
				return nil, Errorf(KindValidation, "schema.build",
					"AGSR002: merge merger on non-mapping field %s.%s (%s)", b.name, field, sf.Type)
			}
		}
	}

	return &Schema[S]{name: b.name, rules: b.rules}, nil
}

// Name returns the schema identifier.
func (s *Schema[S]) Name() string { return s.name }

// Rule returns the merge rule for a field (Replace when undeclared).
func (s *Schema[S]) Rule(field string) MergeRule { return s.rules[field] }

// Reducer returns the deterministic reducer derived from the schema.
//
// Sparse-update convention: a field whose delta value is the zero value of
// its type is treated as absent and left unchanged. Append fields
// concatenate, merge fields union with new-key-wins semantics, everything
// else replaces.
func (s *Schema[S]) Reducer() Reducer[S] {
	return func(prev, delta S) S {
		return s.apply(prev, delta)
	}
}

// Combine merges two sparse updates into one, per field rule. It is the
// update-combining operator that makes the reducer law hold:
//
//	reduce(reduce(s, u1), u2) == reduce(s, Combine(u1, u2))
//
// Append fields concatenate u1 then u2; merge fields union with u2 winning;
// replace fields take u2 when present, u1 otherwise.
func (s *Schema[S]) Combine(u1, u2 S) S {
	return s.apply(u1, u2)
}

func (s *Schema[S]) apply(prev, delta S) S {
	pv := reflect.ValueOf(&prev).Elem()
	dv := reflect.ValueOf(delta)
	t := pv.Type()

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		df := dv.Field(i)
		if df.IsZero() {
			continue // sparse update: absent field
		}
		target := pv.Field(i)

		switch s.rules[sf.Name] {
		case Append:
			merged := reflect.MakeSlice(sf.Type, 0, target.Len()+df.Len())
			merged = reflect.AppendSlice(merged, target)
			merged = reflect.AppendSlice(merged, df)
			target.Set(merged)
		case Merge:
			// Copy-on-write: never mutate the previous state's map.
			merged := reflect.MakeMapWithSize(sf.Type, target.Len()+df.Len())
			for _, src := range []reflect.Value{target, df} {
				if src.IsNil() {
					continue
				}
				iter := src.MapRange()
				for iter.Next() {
					merged.SetMapIndex(iter.Key(), iter.Value())
				}
			}
			target.Set(merged)
		default:
			target.Set(df)
		}
	}
	return prev
}
